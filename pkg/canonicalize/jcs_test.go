package canonicalize

import (
	"testing"
)

func TestCanonicalSortsKeys(t *testing.T) {
	got, err := CanonicalRaw([]byte(`{"b":1,"a":2}`))
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != `{"a":2,"b":1}` {
		t.Fatalf("unexpected canonical form: %s", got)
	}
}

func TestCanonicalKeyOrderInvariance(t *testing.T) {
	a, err := CanonicalRaw([]byte(`{"x":{"k2":true,"k1":[1,2,3]},"y":null}`))
	if err != nil {
		t.Fatal(err)
	}
	b, err := CanonicalRaw([]byte(`{"y":null,"x":{"k1":[1,2,3],"k2":true}}`))
	if err != nil {
		t.Fatal(err)
	}
	if string(a) != string(b) {
		t.Fatalf("key order changed canonical form: %s vs %s", a, b)
	}
}

func TestCanonicalPreservesArrayOrder(t *testing.T) {
	got, err := CanonicalRaw([]byte(`[3,1,2]`))
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != `[3,1,2]` {
		t.Fatalf("array order not preserved: %s", got)
	}
}

func TestCanonicalNoHTMLEscaping(t *testing.T) {
	got, err := Canonical(map[string]interface{}{"k": "<a>&</a>"})
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != `{"k":"<a>&</a>"}` {
		t.Fatalf("html escaped: %s", got)
	}
}

func TestCanonicalNFKCNormalization(t *testing.T) {
	// U+FB01 (latin small ligature fi) normalizes to "fi" under NFKC.
	a, err := Canonical(map[string]interface{}{"ﬁ": 1})
	if err != nil {
		t.Fatal(err)
	}
	b, err := Canonical(map[string]interface{}{"fi": 1})
	if err != nil {
		t.Fatal(err)
	}
	if string(a) != string(b) {
		t.Fatalf("NFKC forms differ: %s vs %s", a, b)
	}
}

func TestSignableContentLayout(t *testing.T) {
	got := SignableContent("petition.received.committed", []byte(`{"a":1}`), GenesisHash)
	want := "petition.received.committed|" + `{"a":1}` + "|" + GenesisHash
	if string(got) != want {
		t.Fatalf("signable content layout wrong: %s", got)
	}
}

func TestContentHashAlgorithms(t *testing.T) {
	payload := []byte(`{"a":1}`)
	h1 := ContentHash(HashAlgSHA256, "x.y.z", payload, GenesisHash)
	h2 := ContentHash(HashAlgBLAKE3, "x.y.z", payload, GenesisHash)
	if len(h1) != 64 || len(h2) != 64 {
		t.Fatalf("digests must be 32 bytes hex: %d %d", len(h1), len(h2))
	}
	if h1 == h2 {
		t.Fatal("sha256 and blake3 should not collide on this input")
	}
}

func TestEqualHex(t *testing.T) {
	if !EqualHex(GenesisHash, GenesisHash) {
		t.Fatal("identical digests must compare equal")
	}
	if EqualHex(GenesisHash, GenesisHash[:32]) {
		t.Fatal("length mismatch must compare unequal")
	}
	other := "1" + GenesisHash[1:]
	if EqualHex(GenesisHash, other) {
		t.Fatal("differing digests must compare unequal")
	}
}
