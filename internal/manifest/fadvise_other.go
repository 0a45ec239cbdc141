//go:build !linux

package manifest

import "os"

func adviseSequential(*os.File) {}
