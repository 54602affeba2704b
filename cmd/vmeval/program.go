package main

import (
	"encoding/binary"
	"fmt"
	"os"
)

// Program is the on-disk container for a single entry def: bytecode plus
// the frame metadata the VM needs to enter it. The in-memory bytecode
// format itself is not persisted by the core; this container exists so
// the CLI has something to run and disassemble.
type Program struct {
	FrameSize  int
	ReturnSize int
	Code       []byte
}

var programMagic = [4]byte{'V', 'M', 'B', 'C'}

const programVersion = 1

// EncodeProgram serializes p into the VMBC container format.
func EncodeProgram(p *Program) []byte {
	out := make([]byte, 0, 4+4+8*3+len(p.Code))
	out = append(out, programMagic[:]...)
	out = binary.LittleEndian.AppendUint32(out, programVersion)
	out = binary.LittleEndian.AppendUint64(out, uint64(p.FrameSize))
	out = binary.LittleEndian.AppendUint64(out, uint64(p.ReturnSize))
	out = binary.LittleEndian.AppendUint64(out, uint64(len(p.Code)))
	out = append(out, p.Code...)
	return out
}

// DecodeProgram parses a VMBC container.
func DecodeProgram(data []byte) (*Program, error) {
	if len(data) < 4+4+8*3 {
		return nil, fmt.Errorf("program: truncated header (%d bytes)", len(data))
	}
	if [4]byte(data[:4]) != programMagic {
		return nil, fmt.Errorf("program: bad magic %q", data[:4])
	}
	if v := binary.LittleEndian.Uint32(data[4:]); v != programVersion {
		return nil, fmt.Errorf("program: unsupported version %d", v)
	}
	frameSize := binary.LittleEndian.Uint64(data[8:])
	returnSize := binary.LittleEndian.Uint64(data[16:])
	codeLen := binary.LittleEndian.Uint64(data[24:])
	body := data[32:]
	if uint64(len(body)) < codeLen {
		return nil, fmt.Errorf("program: code truncated (%d of %d bytes)", len(body), codeLen)
	}
	return &Program{
		FrameSize:  int(frameSize),
		ReturnSize: int(returnSize),
		Code:       body[:codeLen],
	}, nil
}

func loadProgram(path string) (*Program, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return DecodeProgram(data)
}
