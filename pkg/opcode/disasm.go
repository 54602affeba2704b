package opcode

import (
	"encoding/binary"
	"fmt"
	"strings"
)

// Disassemble renders one bytecode buffer as human-readable instructions,
// one per line, prefixed by its byte offset. It never touches the def/block
// side tables; reference operands print their raw index.
func Disassemble(code []byte) string {
	var b strings.Builder
	ip := 0
	for ip < len(code) {
		start := ip
		op := Op(code[ip])
		ip++
		spec := Spec{Name: Name(op), Operands: NoOperand}
		if int(op) < len(Table) {
			spec = Table[op]
		}
		fmt.Fprintf(&b, "%04d  %-32s", start, spec.Name)
		switch spec.Operands {
		case Imm64, DefRef, BlockRef, LibFuncRef, CallInterfaceRef, SymbolRef:
			v := binary.LittleEndian.Uint64(code[ip:])
			fmt.Fprintf(&b, " %d", v)
			ip += 8
		case Imm64x2:
			a := binary.LittleEndian.Uint64(code[ip:])
			c := binary.LittleEndian.Uint64(code[ip+8:])
			fmt.Fprintf(&b, " %d %d", a, c)
			ip += 16
		case Imm64x3:
			a := binary.LittleEndian.Uint64(code[ip:])
			c := binary.LittleEndian.Uint64(code[ip+8:])
			d := binary.LittleEndian.Uint64(code[ip+16:])
			fmt.Fprintf(&b, " %d %d %d", a, c, d)
			ip += 24
		case StringImm:
			n := int(binary.LittleEndian.Uint64(code[ip:]))
			ip += 8
			fmt.Fprintf(&b, " %q", string(code[ip:ip+n]))
			ip += n
		}
		b.WriteByte('\n')
	}
	return b.String()
}
