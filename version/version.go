package version

import (
	"fmt"
	"io"
	"os"
)

// Package is the overall, canonical project import path under which the
// package was built.
var Package = "gitlab.com/galangdana/fundraising-db"

// Version indicates which version of the binary is running. This is set to
// the latest release tag by hand, always suffixed by "+unknown". During
// build, it will be replaced by the actual version.
var Version = "v0.0.0+unknown"

// Revision is filled with the VCS (e.g. git) revision being used to build
// the program at linking time.
var Revision = ""

// FprintVersion outputs the version string to the writer, in the following
// format, followed by a newline:
//
//	<cmd> <project> <version> <revision>
func FprintVersion(w io.Writer) {
	fmt.Fprintln(w, os.Args[0], Package, Version, Revision)
}

// PrintVersion outputs the version information, from Fprint, to stdout.
func PrintVersion() {
	FprintVersion(os.Stdout)
}
