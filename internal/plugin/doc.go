// Package plugin hosts sandboxed Lua plugins.
//
// A plugin is a zip archive carrying a manifest and compiled-or-source Lua
// units. The Manager discovers archives in a directory, registers one Host
// per plugin identity, and sequences their lifecycle:
//
//	rt := &plugin.Runtime{Services: services, HostModules: loader.StandardModules()}
//	m := plugin.NewManager(rt, plugin.WithPluginDir("plugins"))
//	if _, err := m.Discover(); err != nil {
//	    log.Printf("some plugins were rejected: %v", err)
//	}
//	_ = m.LoadAll(ctx)
//	_ = m.EnableAll(ctx)
//	defer m.DisableAll(ctx)
//
// # Plugin Structure
//
//	myplugin.plugin
//	├── plugin.toml      # name, version, author, main, ...
//	├── main.lua         # entry unit; must return a table
//	└── util.lua
//
// # Plugin Lifecycle
//
//	Unloaded -> Loaded -> Enabled <-> Disabled
//	    any  -> Killed
//
// Load checks the manifest's API range, verifies signatures when a
// Verifier is set, and asks the Elevator for the elevated sandbox. Denial or
// an unreachable broker leaves the plugin unelevated rather than failing it.
// The entry unit then runs inside an isolated loader whose static gate
// refuses references to dangerous host APIs.
//
// Enable calls the instance's enable method. Disable calls its disable
// method and then disables the plugin's capability tree, which drops every
// event listener, UI element, and pipeline script the plugin registered.
// Re-enabling attaches the plugin to a fresh capability root.
//
// # Failures
//
// Every failure is recorded as a PluginError with a Category. A failing
// plugin never stops the others; Manager.Report lists what went wrong.
//
// # Hot Install
//
// Watcher installs archives that appear in the plugin directory after
// startup, once their writes have settled.
package plugin
