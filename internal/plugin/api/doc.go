// Package api exposes host services to plugins as capability objects.
//
// Each plugin gets its own warden module, resolved through its code loader:
//
//	local warden = require("warden")
//
//	warden.log("info", "starting")
//	warden.events:on("plugin.enabled", function(ev) ... end)
//	warden.store:set("count", 1)
//	warden.ui:register("hello", { title = "Hello", on_activate = function() ... end })
//	warden.pipeline:submit("double", "return input * 2")
//
// warden.events, warden.store, warden.ui, and warden.pipeline are the
// plugin's default capabilities. They are children of the plugin's root
// capability and follow it across disable and enable. warden.capability(kind)
// derives an independent child that the plugin can revoke on its own.
//
// Every method resolves the calling plugin through the binder and guards its
// capability first. Calls on a disabled capability raise a Lua error.
//
// Only the host emits events. A plugin's Lua state is locked while its code
// runs, so a plugin emitting into its own listeners would deadlock.
package api
