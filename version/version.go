package version

import (
	"fmt"
	"runtime"
)

// Set via -ldflags "-X github.com/projecteru2/credcache/version.VERSION=..." at build time.
var (
	NAME     = "credcache"
	VERSION  = "unknown"
	REVISION = "HEAD"
	BUILTAT  = "now"
)

// String returns a multi-line description of the build.
func String() string {
	return fmt.Sprintf("%s\nVersion:        %s\nGit hash:       %s\nBuilt:          %s\nGolang version: %s\nOS/Arch:        %s/%s\n",
		NAME, VERSION, REVISION, BUILTAT, runtime.Version(), runtime.GOOS, runtime.GOARCH)
}
