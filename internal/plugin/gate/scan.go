package gate

import (
	lua "github.com/yuin/gopher-lua"
)

// Instruction layout used by gopher-lua: 6-bit opcode, 8-bit A, 9-bit B and C,
// 18-bit Bx. RK operands with the high bit set index the constant table.
const (
	rkBit = 1 << 8
)

func opcode(inst uint32) int { return int(inst >> 26) }
func argA(inst uint32) int   { return int(inst>>18) & 0xff }
func argB(inst uint32) int   { return int(inst & 0x1ff) }
func argC(inst uint32) int   { return int(inst>>9) & 0x1ff }
func argBx(inst uint32) int  { return int(inst & 0x3ffff) }

// nonWriting opcodes leave R(A) untouched.
var nonWriting = map[int]bool{
	lua.OP_SETGLOBAL:  true,
	lua.OP_SETUPVAL:   true,
	lua.OP_SETTABLE:   true,
	lua.OP_SETTABLEKS: true,
	lua.OP_EQ:         true,
	lua.OP_LT:         true,
	lua.OP_LE:         true,
	lua.OP_TEST:       true,
	lua.OP_JMP:        true,
	lua.OP_RETURN:     true,
	lua.OP_SETLIST:    true,
	lua.OP_CLOSE:      true,
	lua.OP_NOP:        true,
}

// clobbersAbove opcodes may write every register from A upward.
var clobbersAbove = map[int]bool{
	lua.OP_CALL:     true,
	lua.OP_TAILCALL: true,
	lua.OP_VARARG:   true,
	lua.OP_LOADNIL:  true,
	lua.OP_TFORLOOP: true,
}

type scanner struct {
	deny *DenyList
	seen map[*lua.FunctionProto]bool
}

// scan walks one prototype. upvals carries the paths of captured variables.
func (s *scanner) scan(proto *lua.FunctionProto, upvals []string) (string, bool) {
	s.seen[proto] = true
	regs := make(map[int]string)

	constant := func(idx int) (string, bool) {
		if idx < 0 || idx >= len(proto.Constants) {
			return "", false
		}
		str, ok := proto.Constants[idx].(lua.LString)
		return string(str), ok
	}
	// keys holds registers loaded with a string constant. Past the RK range
	// gopher-lua emits LOADK and indexes by register instead.
	keys := make(map[int]string)
	key := func(v int) (string, bool) {
		if v&rkBit != 0 {
			return constant(v &^ rkBit)
		}
		name, ok := keys[v]
		return name, ok
	}
	extend := func(base int, k int) string {
		root, ok := regs[base]
		if !ok {
			return ""
		}
		name, ok := key(k)
		if !ok {
			return ""
		}
		return root + "." + name
	}

	code := proto.Code
	for pc := 0; pc < len(code); pc++ {
		inst := code[pc]
		op, a := opcode(inst), argA(inst)

		var path string
		switch op {
		case lua.OP_GETGLOBAL:
			path, _ = constant(argBx(inst))
		case lua.OP_GETTABLE, lua.OP_GETTABLEKS:
			path = extend(argB(inst), argC(inst))
		case lua.OP_SELF:
			// R(A+1) := R(B) happens alongside the lookup. The key may sit
			// in R(A+1), so resolve it first.
			path = extend(argB(inst), argC(inst))
			if root, ok := regs[argB(inst)]; ok {
				regs[a+1] = root
			} else {
				delete(regs, a+1)
			}
			delete(keys, a+1)
		case lua.OP_LOADK:
			if name, ok := constant(argBx(inst)); ok {
				delete(regs, a)
				keys[a] = name
				continue
			}
		case lua.OP_MOVE, lua.OP_MOVEN:
			path = regs[argB(inst)]
			if name, ok := keys[argB(inst)]; ok {
				keys[a] = name
			} else {
				delete(keys, a)
			}
		case lua.OP_GETUPVAL:
			if b := argB(inst); b < len(upvals) {
				path = upvals[b]
			}
		case lua.OP_CLOSURE:
			child, captured, skip := s.closure(proto, code, pc, regs, upvals)
			if child != nil {
				if ref, denied := s.scan(child, captured); denied {
					return ref, true
				}
			}
			pc += skip
		default:
			if nonWriting[op] {
				continue
			}
			if clobbersAbove[op] {
				for r := range regs {
					if r >= a {
						delete(regs, r)
					}
				}
				for r := range keys {
					if r >= a {
						delete(keys, r)
					}
				}
				continue
			}
		}

		if op != lua.OP_MOVE && op != lua.OP_MOVEN {
			delete(keys, a)
		}
		if path == "" {
			delete(regs, a)
			continue
		}
		if s.deny.Match(path) {
			return normalize(path), true
		}
		regs[a] = path
	}

	// Prototypes not reached through a CLOSURE (none in compiler output,
	// but cheap to cover) are scanned without upvalue knowledge.
	for _, child := range proto.FunctionPrototypes {
		if s.seen[child] {
			continue
		}
		if ref, denied := s.scan(child, nil); denied {
			return ref, true
		}
	}
	return "", false
}

// closure resolves the prototype created at pc and the paths of the upvalues
// it captures. gopher-lua follows CLOSURE with one MOVE or GETUPVAL
// pseudo-instruction per upvalue; skip is how many of those to step over.
func (s *scanner) closure(proto *lua.FunctionProto, code []uint32, pc int, regs map[int]string, upvals []string) (*lua.FunctionProto, []string, int) {
	bx := argBx(code[pc])
	if bx >= len(proto.FunctionPrototypes) {
		return nil, nil, 0
	}
	child := proto.FunctionPrototypes[bx]
	n := int(child.NumUpvalues)
	captured := make([]string, n)
	skip := 0
	for i := 0; i < n && pc+1+i < len(code); i++ {
		pseudo := code[pc+1+i]
		switch opcode(pseudo) {
		case lua.OP_MOVE:
			captured[i] = regs[argB(pseudo)]
		case lua.OP_GETUPVAL:
			if b := argB(pseudo); b < len(upvals) {
				captured[i] = upvals[b]
			}
		default:
			return child, captured, skip
		}
		skip++
	}
	return child, captured, skip
}
