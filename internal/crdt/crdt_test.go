package crdt

import (
	"bytes"
	"encoding/json"
	"testing"
)

func setOp(blockID, text, pos string, clock uint64, actor string) Operation {
	block, _ := json.Marshal(map[string]string{"id": blockID, "type": "paragraph", "text": text})
	return Operation{
		Type:    OpSet,
		BlockID: blockID,
		Block:   block,
		Pos:     pos,
		Clock:   clock,
		Actor:   actor,
	}
}

func TestApplyMergesIndependentEdits(t *testing.T) {
	r := NewReplica()
	ops := []Operation{
		setOp("b1", "hello", "a1", 1, "usr_a"),
		setOp("b2", "world", "a2", 1, "usr_b"),
	}
	for _, op := range ops {
		changed, err := r.Apply(op)
		if err != nil {
			t.Fatalf("apply: %v", err)
		}
		if !changed {
			t.Fatalf("expected op %s to change the replica", op.BlockID)
		}
	}

	var doc struct {
		Blocks []map[string]string `json:"blocks"`
	}
	if err := json.Unmarshal(r.Snapshot(), &doc); err != nil {
		t.Fatalf("parse snapshot: %v", err)
	}
	if len(doc.Blocks) != 2 {
		t.Fatalf("expected 2 blocks, got %d", len(doc.Blocks))
	}
	if doc.Blocks[0]["text"] != "hello" || doc.Blocks[1]["text"] != "world" {
		t.Fatalf("unexpected order: %v", doc.Blocks)
	}
}

func TestConvergenceIsOrderIndependent(t *testing.T) {
	ops := []Operation{
		setOp("b1", "first", "a1", 1, "usr_a"),
		setOp("b2", "second", "a2", 1, "usr_b"),
		setOp("b1", "first revised", "a1", 2, "usr_b"),
		{Type: OpDelete, BlockID: "b2", Clock: 3, Actor: "usr_a"},
		setOp("b3", "third", "a3", 2, "usr_a"),
	}

	var reference []byte
	permute(ops, func(order []Operation) {
		r := NewReplica()
		for _, op := range order {
			if _, err := r.Apply(op); err != nil {
				t.Fatalf("apply: %v", err)
			}
		}
		snapshot := r.Snapshot()
		if reference == nil {
			reference = snapshot
			return
		}
		if !bytes.Equal(reference, snapshot) {
			t.Fatalf("orders diverged:\n%s\n%s", reference, snapshot)
		}
	})
}

func TestRedeliveryIsIdempotent(t *testing.T) {
	r := NewReplica()
	op := setOp("b1", "hello", "a1", 5, "usr_a")

	if changed, _ := r.Apply(op); !changed {
		t.Fatalf("first delivery should apply")
	}
	before := r.Snapshot()
	if changed, err := r.Apply(op); err != nil || changed {
		t.Fatalf("redelivery should be a no-op, changed=%v err=%v", changed, err)
	}
	if !bytes.Equal(before, r.Snapshot()) {
		t.Fatalf("redelivery altered the snapshot")
	}
}

func TestConcurrentWritesResolveByActor(t *testing.T) {
	a := setOp("b1", "from a", "a1", 7, "usr_a")
	b := setOp("b1", "from b", "a1", 7, "usr_b")

	r1 := NewReplica()
	r1.Apply(a)
	r1.Apply(b)

	r2 := NewReplica()
	r2.Apply(b)
	r2.Apply(a)

	if !bytes.Equal(r1.Snapshot(), r2.Snapshot()) {
		t.Fatalf("tie-break diverged")
	}
	var doc struct {
		Blocks []map[string]string `json:"blocks"`
	}
	_ = json.Unmarshal(r1.Snapshot(), &doc)
	if doc.Blocks[0]["text"] != "from b" {
		t.Fatalf("higher actor id should win the tie, got %q", doc.Blocks[0]["text"])
	}
}

func TestApplyRejectsMalformed(t *testing.T) {
	r := NewReplica()
	cases := []Operation{
		{Type: OpSet, BlockID: "", Actor: "usr_a"},
		{Type: OpSet, BlockID: "b1", Actor: ""},
		{Type: OpSet, BlockID: "b1", Actor: "usr_a"},
		{Type: OpSet, BlockID: "b1", Actor: "usr_a", Block: json.RawMessage(`{"broken`)},
		{Type: "move", BlockID: "b1", Actor: "usr_a"},
	}
	for i, op := range cases {
		if _, err := r.Apply(op); err == nil {
			t.Fatalf("case %d: expected ErrMalformedOperation", i)
		}
	}
}

func TestLoadKeepsDocumentOrder(t *testing.T) {
	content := []byte(`{"blocks":[{"id":"x","text":"one"},{"id":"y","text":"two"},{"id":"z","text":"three"}]}`)
	r, err := Load(content)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	var doc struct {
		Blocks []map[string]string `json:"blocks"`
	}
	if err := json.Unmarshal(r.Snapshot(), &doc); err != nil {
		t.Fatalf("parse snapshot: %v", err)
	}
	got := []string{doc.Blocks[0]["text"], doc.Blocks[1]["text"], doc.Blocks[2]["text"]}
	want := []string{"one", "two", "three"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("block %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestEditWinsOverLoadedBaseline(t *testing.T) {
	r, err := Load([]byte(`{"blocks":[{"id":"x","text":"stale"}]}`))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	changed, err := r.Apply(setOp("x", "fresh", PositionAt(0), 0, "usr_a"))
	if err != nil || !changed {
		t.Fatalf("expected live edit to win over baseline, changed=%v err=%v", changed, err)
	}
}

func TestPositionBetween(t *testing.T) {
	cases := []struct{ a, b string }{
		{"", ""},
		{"a00000000", ""},
		{"", "a00000000"},
		{"a00000000", "a00000001"},
		{"a1", "a10"},
		{"a1", "a2"},
		{"V", "V0"},
	}
	for _, tc := range cases {
		got := PositionBetween(tc.a, tc.b)
		if tc.a != "" && got <= tc.a {
			t.Fatalf("PositionBetween(%q, %q) = %q, not after lower bound", tc.a, tc.b, got)
		}
		if tc.b != "" && got >= tc.b {
			t.Fatalf("PositionBetween(%q, %q) = %q, not before upper bound", tc.a, tc.b, got)
		}
	}
}

// permute calls fn with every ordering of ops.
func permute(ops []Operation, fn func([]Operation)) {
	var walk func(k int)
	order := make([]Operation, len(ops))
	copy(order, ops)
	walk = func(k int) {
		if k == len(order) {
			snapshot := make([]Operation, len(order))
			copy(snapshot, order)
			fn(snapshot)
			return
		}
		for i := k; i < len(order); i++ {
			order[k], order[i] = order[i], order[k]
			walk(k + 1)
			order[k], order[i] = order[i], order[k]
		}
	}
	walk(0)
}
