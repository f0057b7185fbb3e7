package zoo

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"sync"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/Tutortoise/llie-pipeline/models"
)

// EnvLibraryPath overrides the ONNX Runtime shared library location.
const EnvLibraryPath = "ORT_LIB_PATH"

var (
	ortMu      sync.Mutex
	ortInitErr error
	ortReady   bool
)

// libraryName returns the platform file name of the ONNX Runtime library.
func libraryName() string {
	switch runtime.GOOS {
	case "darwin":
		return "libonnxruntime.dylib"
	case "windows":
		return "onnxruntime.dll"
	default:
		return "libonnxruntime.so"
	}
}

// libraryCandidates lists where the shared library is searched for: the
// environment override, a lib/ directory next to the executable or the
// working directory, then common system locations.
func libraryCandidates() []string {
	var paths []string
	if p := os.Getenv(EnvLibraryPath); p != "" {
		paths = append(paths, p)
	}
	name := libraryName()
	if exe, err := os.Executable(); err == nil {
		paths = append(paths, filepath.Join(filepath.Dir(exe), "lib", name))
	}
	if wd, err := os.Getwd(); err == nil {
		paths = append(paths, filepath.Join(wd, "lib", name))
	}
	if runtime.GOOS != "windows" {
		paths = append(paths,
			filepath.Join("/usr/local/lib", name),
			filepath.Join("/usr/lib", name),
			filepath.Join("/opt/onnxruntime/lib", name),
		)
	}
	return paths
}

func findLibrary() (string, error) {
	candidates := libraryCandidates()
	for _, p := range candidates {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	return "", fmt.Errorf("onnxruntime library not found (set %s); tried %v", EnvLibraryPath, candidates)
}

// InitRuntime loads the ONNX Runtime library and initializes its environment
// once per process. A failed attempt is remembered and returned again.
func InitRuntime() error {
	ortMu.Lock()
	defer ortMu.Unlock()
	if ortReady {
		return nil
	}
	if ortInitErr != nil {
		return ortInitErr
	}

	libPath, err := findLibrary()
	if err != nil {
		ortInitErr = models.ConfigError(err, "onnx runtime")
		return ortInitErr
	}
	if !ort.IsInitialized() {
		ort.SetSharedLibraryPath(libPath)
		if err := ort.InitializeEnvironment(); err != nil {
			ortInitErr = models.ConfigError(err, "initialize onnx runtime from %s", libPath)
			return ortInitErr
		}
	}
	log.Printf("ONNX Runtime initialized from %s", libPath)
	ortReady = true
	return nil
}

// ShutdownRuntime destroys the ONNX Runtime environment if it was started.
func ShutdownRuntime() {
	ortMu.Lock()
	defer ortMu.Unlock()
	if !ortReady {
		return
	}
	if err := ort.DestroyEnvironment(); err != nil {
		log.Printf("Error destroying ONNX environment: %v", err)
	}
	ortReady = false
}
