package security

// DefaultDenyReferences are the global references plugin units may not use
// unless the plugin holds elevated trust.
var DefaultDenyReferences = []string{
	"os.execute",
	"os.exit",
	"os.remove",
	"os.rename",
	"os.setenv",
	"os.tmpname",
	"io.*",
	"debug.*",
	"load",
	"loadstring",
	"loadfile",
	"dofile",
	"setfenv",
	"getfenv",
	"newproxy",
	"package.loadlib",
	"collectgarbage",
}

// DefaultDenyPackages are unit name prefixes a plugin can never name as its
// entry point, whatever its trust.
var DefaultDenyPackages = []string{
	"warden",
	"host",
	"_G",
}

// DefaultHostModules are host modules every plugin may require.
var DefaultHostModules = []string{
	"warden",
	"string",
	"table",
	"math",
}
