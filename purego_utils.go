//go:build darwin || linux

// Library loading for the purego-bound codec providers.

package avenc

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"unsafe"

	"github.com/ebitengine/purego"
)

// maxErrorString bounds the scan of error strings returned by the native
// libraries.
const maxErrorString = 1024

// cString copies a NUL-terminated C string into Go memory.
func cString(ptr uintptr) string {
	if ptr == 0 {
		return ""
	}
	base := unsafe.Pointer(ptr)
	n := 0
	for n < maxErrorString && *(*byte)(unsafe.Add(base, n)) != 0 {
		n++
	}
	return string(unsafe.Slice((*byte)(base), n))
}

func sharedLibName(base string) string {
	if runtime.GOOS == "darwin" {
		return "lib" + base + ".dylib"
	}
	return "lib" + base + ".so"
}

// libSearchPaths returns the places a provider library is looked for, in
// order: the envVar override, $AVENC_LIB_PATH (falling back to
// $MEDIA_SDK_LIB_PATH), next to the executable, the module's build
// directory, then the system loader paths.
func libSearchPaths(base, envVar string) []string {
	name := sharedLibName(base)

	var paths []string
	if p := os.Getenv(envVar); p != "" {
		paths = append(paths, p)
	}
	for _, env := range []string{"AVENC_LIB_PATH", "MEDIA_SDK_LIB_PATH"} {
		if dir := os.Getenv(env); dir != "" {
			paths = append(paths, filepath.Join(dir, name))
			break
		}
	}
	if exe, err := os.Executable(); err == nil {
		dir := filepath.Dir(exe)
		paths = append(paths, filepath.Join(dir, name), filepath.Join(dir, "..", "lib", name))
	}
	if root := moduleRoot(); root != "" {
		paths = append(paths, filepath.Join(root, "build", name))
	}

	paths = append(paths, name, "/usr/local/lib/"+name)
	if runtime.GOOS == "darwin" {
		paths = append(paths, "/opt/homebrew/lib/"+name)
	} else {
		paths = append(paths, "/usr/lib/"+name)
	}
	return paths
}

func moduleRoot() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

// openProviderLib dlopens the first candidate whose symbols bind.
func openProviderLib(name string, paths []string, bind func(handle uintptr) error) (uintptr, error) {
	var errs []error
	for _, path := range paths {
		handle, err := purego.Dlopen(path, purego.RTLD_NOW|purego.RTLD_GLOBAL)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if err := bind(handle); err != nil {
			purego.Dlclose(handle)
			errs = append(errs, fmt.Errorf("%s: %w", path, err))
			continue
		}
		return handle, nil
	}
	if len(errs) == 0 {
		return 0, fmt.Errorf("%s: no candidate paths", name)
	}
	return 0, fmt.Errorf("load %s: %w", name, errors.Join(errs...))
}
