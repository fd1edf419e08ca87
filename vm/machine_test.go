package vm

import (
	"testing"

	"github.com/polodb/polodb-go/bson"
)

// fakeCursor walks a fixed slice of documents, ignoring the field/index it
// was "opened" against — enough to drive Machine without a real btree.
type fakeCursor struct {
	docs []*bson.Document
	pos  int
}

func newFakeCursor(docs ...*bson.Document) *fakeCursor {
	return &fakeCursor{docs: docs, pos: -1}
}

func (f *fakeCursor) Rewind() { f.pos = -1 }

func (f *fakeCursor) Seek(bson.Value) (bool, error) { return false, nil }

func (f *fakeCursor) Next() (bool, error) {
	f.pos++
	return f.pos < len(f.docs), nil
}

func (f *fakeCursor) CurrentDocument() (*bson.Document, error) { return f.docs[f.pos], nil }

func (f *fakeCursor) UpdateCurrentDocument(doc *bson.Document) error {
	f.docs[f.pos] = doc
	return nil
}

type fakeEngine struct {
	cursor *fakeCursor
}

func (e *fakeEngine) GetField(doc *bson.Document, name string) (bson.Value, bool) {
	return doc.Get(name)
}

func (e *fakeEngine) Compare(a, b bson.Value) (int, error) { return a.Compare(b) }

func (e *fakeEngine) Equal(a, b bson.Value) bool { return a.Equal(b) }

func (e *fakeEngine) OpenCursor(collection string, field string) (CursorHandle, error) {
	return e.cursor, nil
}

func docWithType(typ string, retry int64) *bson.Document {
	d := bson.NewDocument()
	d.Set("type", bson.String(typ))
	d.Set("retry", bson.Int(retry))
	return d
}

// scanFilterProgram does a full scan, keeping only documents whose field
// equals want. GetField leaves the document under the field value it reads,
// so after Equal consumes both operands the document is back on top: a
// match falls through to ResultRow, a miss pops the document and loops.
func scanFilterProgram(field, want string) *Program {
	return &Program{
		Collection: "jobs",
		Instrs: []Instr{
			{Op: OpRewind},                                 // 0
			{Op: OpNext, Jump: 10},                         // 1: push doc or jump to Halt
			{Op: OpGetField, Field: field, Jump: 1},        // 2: doc stays, field value pushed
			{Op: OpPushValue, Operand: bson.String(want)},  // 3
			{Op: OpEqual},                                  // 4: pops field value + literal, doc on top
			{Op: OpTrueJump, Jump: 8},                       // 5: match -> ResultRow
			{Op: OpPop},                                    // 6: miss: discard doc
			{Op: OpGoto, Jump: 1},                          // 7
			{Op: OpResultRow},                               // 8: match: pop doc, collect row
			{Op: OpGoto, Jump: 1},                          // 9
			{Op: OpHalt},                                   // 10
		},
	}
}

func TestMachineScanAndFilter(t *testing.T) {
	cur := newFakeCursor(
		docWithType("oracle", 5),
		docWithType("mysql", 2),
		docWithType("oracle", 1),
	)
	engine := &fakeEngine{cursor: cur}

	prog := scanFilterProgram("type", "oracle")
	m, err := NewMachine(engine, prog)
	if err != nil {
		t.Fatalf("new machine: %v", err)
	}
	rows, err := m.Run(prog)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 matching rows, got %d", len(rows))
	}
	for _, row := range rows {
		v, ok := row.Get("type")
		if !ok || v.AsString() != "oracle" {
			t.Fatalf("unexpected row: %+v", row)
		}
	}
}

func TestMachineHaltReturnsCollectedRows(t *testing.T) {
	cur := newFakeCursor(docWithType("oracle", 5))
	engine := &fakeEngine{cursor: cur}

	prog := &Program{
		Collection: "jobs",
		Instrs: []Instr{
			{Op: OpRewind},        // 0
			{Op: OpNext, Jump: 4}, // 1
			{Op: OpResultRow},     // 2: pops the doc pushed by Next
			{Op: OpGoto, Jump: 1}, // 3
			{Op: OpHalt},          // 4
		},
	}

	m, err := NewMachine(engine, prog)
	if err != nil {
		t.Fatalf("new machine: %v", err)
	}
	rows, err := m.Run(prog)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected 1 row, got %d", len(rows))
	}
	typ, ok := rows[0].Get("type")
	if !ok || typ.AsString() != "oracle" {
		t.Fatalf("unexpected row: %+v", rows[0])
	}
}

func TestMachineCmpRejectsIncomparableTypes(t *testing.T) {
	engine := &fakeEngine{cursor: newFakeCursor()}
	m, err := NewMachine(engine, &Program{Collection: "jobs"})
	if err != nil {
		t.Fatalf("new machine: %v", err)
	}
	m.push(bson.Int(1))
	m.push(bson.String("a"))
	prog := &Program{Instrs: []Instr{{Op: OpCmp}, {Op: OpHalt}}}
	if _, err := m.Run(prog); err != nil {
		t.Fatalf("run: %v", err)
	}
	if m.r0.Type() != bson.TypeNull {
		t.Fatalf("expected r0 = Null after incomparable Cmp, got %v", m.r0)
	}
}
