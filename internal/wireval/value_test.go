package wireval

import (
	"encoding/json"
	"testing"
)

func TestCanonicalRoundTrip(t *testing.T) {
	v := Object(
		Field("name", String("demo")),
		Field("count", Int(3)),
		Field("ratio", Float(0.5)),
		Field("ok", Bool(true)),
		Field("raw", Bytes([]byte{1, 2, 3})),
		Field("items", Array(Int(1), Int(2))),
		Field("nested", Object(Field("a", Null()))),
	)

	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var out Value
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	data2, err := json.Marshal(out)
	if err != nil {
		t.Fatalf("re-marshal: %v", err)
	}
	if string(data) != string(data2) {
		t.Fatalf("canonical encoding not stable:\n%s\nvs\n%s", data, data2)
	}
}

func TestCanonicalEncodingIsFieldOrderIndependent(t *testing.T) {
	a := Object(Field("x", Int(1)), Field("y", Int(2)))
	b := Object(Field("y", Int(2)), Field("x", Int(1)))

	da, _ := json.Marshal(a)
	db, _ := json.Marshal(b)
	if string(da) != string(db) {
		t.Fatalf("expected identical canonical bytes regardless of build order, got:\n%s\nvs\n%s", da, db)
	}
}

func TestFromGoArrayAndObject(t *testing.T) {
	v, err := FromGo(map[string]any{
		"a": []any{1.0, "two", true, nil},
		"b": map[string]any{"c": 1.5},
	})
	if err != nil {
		t.Fatalf("FromGo: %v", err)
	}
	fields, ok := v.ObjectFields()
	if !ok || len(fields) != 2 {
		t.Fatalf("expected object with 2 fields, got %+v", v)
	}
}

func TestToGoRoundTrip(t *testing.T) {
	v := Array(Int(1), String("x"), Bool(false))
	got := v.ToGo()
	arr, ok := got.([]any)
	if !ok || len(arr) != 3 {
		t.Fatalf("unexpected ToGo result: %#v", got)
	}
}
