package splice

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/bismurphy/mwccgap/pkg/log"
)

var (
	PrecompileFailedErr = errors.New("precompile produced no object")
	CompileFailedErr    = errors.New("compile produced no object")
	AssembleFailedErr   = errors.New("assembler produced no object")
)

// Options configures the external compiler and assembler. Zero values
// fall back to the conventional PSP decompilation toolchain.
type Options struct {
	MwccPath string
	CFlags   []string
	UseWibo  bool
	WiboPath string

	AsPath  string
	AsFlags []string

	// Prepended to the directory given in each INCLUDE_ASM macro.
	AsmDirPrefix string
}

func DefaultOptions() Options {
	return Options{
		MwccPath: "mwccpsp.exe",
		UseWibo:  true,
		WiboPath: "wibo",
		AsPath:   "mipsel-linux-gnu-as",
	}
}

// forward mirrors a child process stream onto our stderr. Tool output is
// never parsed, only passed along.
func forward(stream *bytes.Buffer) {
	if stream.Len() > 0 {
		os.Stderr.Write(stream.Bytes())
	}
}

// assembleFile runs the assembler over one source file, piping the text
// in on stdin and collecting the object from a temporary path. An empty
// object is a failure regardless of the exit status.
func assembleFile(asmFile string, opts Options) ([]byte, error) {
	source, err := os.ReadFile(asmFile)
	if err != nil {
		return nil, err
	}

	tempObj, err := os.CreateTemp("", "mwccgap-*.o")
	if err != nil {
		return nil, err
	}
	tempObj.Close()
	defer os.Remove(tempObj.Name())

	args := []string{"-EL", "-march=gs464", "-mabi=32", "-Iinclude", "-o", tempObj.Name()}
	args = append(args, opts.AsFlags...)

	cmd := exec.Command(opts.AsPath, args...)
	cmd.Stdin = bytes.NewReader(source)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	forward(&stdout)
	forward(&stderr)
	if runErr != nil {
		log.Debugf("assembler exited with error for %s: %v", asmFile, runErr)
	}

	objBytes, err := os.ReadFile(tempObj.Name())
	if err != nil || len(objBytes) == 0 {
		return nil, fmt.Errorf("%w: %s", AssembleFailedErr, asmFile)
	}

	return objBytes, nil
}

// compileFile runs the compiler on cFile with an explicit output path,
// optionally through the wibo compatibility shim. Success is judged
// solely by the output file existing and being non-empty; the returned
// bytes are the object.
func compileFile(cFile, oFile string, opts Options) ([]byte, error) {
	if err := os.MkdirAll(filepath.Dir(oFile), 0o755); err != nil {
		return nil, err
	}
	os.Remove(oFile)

	argv := []string{opts.MwccPath, "-c"}
	argv = append(argv, opts.CFlags...)
	argv = append(argv, "-o", oFile, cFile)
	if opts.UseWibo {
		argv = append([]string{opts.WiboPath}, argv...)
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Env = append(os.Environ(), "MWCIncludes=.")
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	forward(&stdout)
	forward(&stderr)
	if runErr != nil {
		log.Debugf("compiler exited with error for %s: %v", cFile, runErr)
	}

	objBytes, err := os.ReadFile(oFile)
	if err != nil || len(objBytes) == 0 {
		return nil, nil
	}

	return objBytes, nil
}
