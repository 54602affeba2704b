package main

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"

	"vm/pkg/def"
	"vm/pkg/exec"
	"vm/pkg/ffi"
	"vm/pkg/fiber"
	"vm/pkg/modfetch"
	"vm/pkg/opcode"
	"vm/pkg/session"
)

const cliToolVersion = "vmeval 0.0.0-dev"

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		printUsage()
		return 1
	}

	switch args[0] {
	case "--help", "-h":
		printUsage()
		return 0
	case "--version", "-V", "version":
		fmt.Fprintln(os.Stdout, cliToolVersion)
		return 0
	case "run":
		return runProgram(args[1:])
	case "disasm":
		return runDisasm(args[1:])
	case "deps":
		return runDeps(args[1:])
	default:
		return runProgram(args)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, `usage: vmeval <command> [arguments]

commands:
  run <file.vmbc> [args...]   execute a bytecode program
  disasm <file.vmbc>          print a program's instructions
  deps [session.yml]          fetch the manifest's module bundles
  --version                   print the tool version
  --help                      print this message`)
}

func runProgram(args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "vmeval run requires a .vmbc file")
		return 1
	}
	prog, err := loadProgram(args[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load program: %v\n", err)
		return 1
	}

	arenas := def.NewArenas()
	entry := arenas.DefineDef(&def.CompiledDef{
		Name:       "main",
		ReturnSize: prog.ReturnSize,
		Code:       prog.Code,
		FrameSize:  prog.FrameSize,
		Block:      -1,
	})

	vm := exec.New(arenas)
	vm.FFI = ffi.NewBridge()
	vm.Fibers = fiber.NewGoroutineScheduler()
	vm.Argv = args[1:]

	if err := vm.Call(entry); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	// A 4-byte return is the program's exit code, C convention; anything
	// else means "success unless the VM failed".
	if prog.ReturnSize == 4 {
		return int(int32(binary.LittleEndian.Uint32(vm.Stack.Pop(4))))
	}
	return 0
}

func runDisasm(args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "vmeval disasm requires a .vmbc file")
		return 1
	}
	prog, err := loadProgram(args[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load program: %v\n", err)
		return 1
	}
	fmt.Fprint(os.Stdout, opcode.Disassemble(prog.Code))
	return 0
}

func runDeps(args []string) int {
	manifestPath := "session.yml"
	if len(args) > 0 {
		manifestPath = args[0]
	}
	manifest, err := session.Load(manifestPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load manifest: %v\n", err)
		return 1
	}

	cacheDir, err := resolveCacheDir()
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	fetcher := modfetch.New(cacheDir)

	failed := false
	for _, name := range manifest.ModuleOrder {
		spec := manifest.Modules[name]
		if spec.Path != "" {
			fmt.Fprintf(os.Stdout, "%s: path %s\n", name, spec.Path)
			continue
		}
		dir, version, err := fetcher.Fetch(name, &modfetch.Spec{
			URL: spec.Git, Rev: spec.Rev, Tag: spec.Tag, Branch: spec.Branch,
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			failed = true
			continue
		}
		fmt.Fprintf(os.Stdout, "%s: pinned %s (%s)\n", name, version, dir)
	}
	if failed {
		return 1
	}
	return 0
}

func resolveCacheDir() (string, error) {
	if dir := os.Getenv("VMEVAL_HOME"); dir != "" {
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve cache dir: %w", err)
	}
	return filepath.Join(home, ".vmeval"), nil
}
