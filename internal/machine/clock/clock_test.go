package clock

import (
	"hash/fnv"
	"testing"
)

func TestNew_AllZero(t *testing.T) {
	vc := New()
	for tid := 0; tid < 16; tid++ {
		if got := vc.Get(uint8(tid)); got != 0 {
			t.Errorf("Get(%d) = %d, want 0", tid, got)
		}
	}
}

func TestClone_Independent(t *testing.T) {
	a := New()
	a.Set(0, 10)
	a.Set(5, 20)

	b := a.Clone()
	b.Set(0, 99)
	b.Increment(5)

	if a.Get(0) != 10 || a.Get(5) != 20 {
		t.Errorf("original mutated through clone: %s", a)
	}
	if b.Get(0) != 99 || b.Get(5) != 21 {
		t.Errorf("clone = %s, want {0:99, 5:21}", b)
	}
}

func TestJoin_PointwiseMax(t *testing.T) {
	a := New()
	a.Set(0, 10)
	a.Set(1, 30)

	b := New()
	b.Set(0, 5)
	b.Set(1, 40)
	b.Set(2, 7)

	a.Join(b)
	want := map[uint8]uint32{0: 10, 1: 40, 2: 7}
	for tid, w := range want {
		if got := a.Get(tid); got != w {
			t.Errorf("after join Get(%d) = %d, want %d", tid, got, w)
		}
	}
}

func TestJoin_Commutative(t *testing.T) {
	a := New()
	a.Set(0, 3)
	a.Set(2, 8)
	b := New()
	b.Set(0, 5)
	b.Set(1, 1)

	ab := a.Clone()
	ab.Join(b)
	ba := b.Clone()
	ba.Join(a)

	for tid := uint8(0); tid < 4; tid++ {
		if ab.Get(tid) != ba.Get(tid) {
			t.Errorf("join not commutative at %d: %d vs %d", tid, ab.Get(tid), ba.Get(tid))
		}
	}
}

func TestLessOrEqual(t *testing.T) {
	lo := New()
	lo.Set(0, 1)
	hi := New()
	hi.Set(0, 2)
	hi.Set(1, 1)

	if !lo.LessOrEqual(hi) {
		t.Error("lo ⊑ hi should hold")
	}
	if hi.LessOrEqual(lo) {
		t.Error("hi ⊑ lo should not hold")
	}
	if !lo.LessOrEqual(lo) {
		t.Error("reflexivity violated")
	}
}

func TestLessOrEqual_Incomparable(t *testing.T) {
	a := New()
	a.Set(0, 2)
	b := New()
	b.Set(1, 2)

	// Neither dominates: this is exactly the raced condition.
	if a.LessOrEqual(b) || b.LessOrEqual(a) {
		t.Error("incomparable clocks reported as ordered")
	}
}

func TestFirstExceeding(t *testing.T) {
	a := New()
	a.Set(1, 5)
	a.Set(3, 2)
	b := New()
	b.Set(1, 5)

	tid, c, ok := a.FirstExceeding(b)
	if !ok || tid != 3 || c != 2 {
		t.Errorf("FirstExceeding = (%d, %d, %v), want (3, 2, true)", tid, c, ok)
	}
	if _, _, ok := b.FirstExceeding(a); ok {
		t.Error("dominated clock reported an exceeding coordinate")
	}
}

func TestFingerprint_DistinguishesClocks(t *testing.T) {
	a := New()
	a.Set(0, 1)
	b := New()
	b.Set(1, 1)

	ha, hb := fnv.New64a(), fnv.New64a()
	a.Fingerprint(ha)
	b.Fingerprint(hb)
	if ha.Sum64() == hb.Sum64() {
		t.Error("distinct clocks share a fingerprint")
	}
}

func TestString(t *testing.T) {
	vc := New()
	if got := vc.String(); got != "{}" {
		t.Errorf("empty clock = %q, want {}", got)
	}
	vc.Set(0, 5)
	vc.Set(2, 1)
	if got := vc.String(); got != "{0:5, 2:1}" {
		t.Errorf("String() = %q", got)
	}
}

func BenchmarkJoin(b *testing.B) {
	a := New()
	c := New()
	for i := uint8(0); i < 8; i++ {
		a.Set(i, uint32(i))
		c.Set(i, uint32(8-i))
	}
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		a.Join(c)
	}
}
