package clock

import "testing"

func TestAverageFirstSampleIsMean(t *testing.T) {
	t.Parallel()

	var a average
	a.init(10)
	a.update(12345)

	if got := a.get(); got != 12345 {
		t.Errorf("means: got %d, want 12345", got)
	}
	if a.residueMeans != 0 {
		t.Errorf("residueMeans: got %d, want 0", a.residueMeans)
	}
}

func TestAverageWindowRestart(t *testing.T) {
	t.Parallel()

	var a average
	a.init(10)
	for i := 0; i < staticsCircle; i++ {
		a.update(700)
	}

	// The first sample of the new window becomes the mean outright.
	a.update(9999)
	if got := a.get(); got != 9999 {
		t.Errorf("means after window restart: got %d, want 9999", got)
	}
	if a.residueMeans != 0 {
		t.Errorf("residueMeans: got %d, want 0", a.residueMeans)
	}
}

func TestAverageResidueInvariant(t *testing.T) {
	t.Parallel()

	var a average
	a.init(10)
	samples := []int64{5, -17, 300, -4411, 92, 0, 7, -7, 123456, -123455}
	for i, v := range samples {
		a.update(v)
		if a.residue < 0 || a.residue >= a.divider {
			t.Fatalf("sample %d: legacy residue %d out of [0,%d)", i, a.residue, a.divider)
		}
		index := (a.count - 1) % staticsCircle
		if a.residueMeans < 0 || a.residueMeans > index {
			t.Fatalf("sample %d: residueMeans %d out of [0,%d]", i, a.residueMeans, index)
		}
		if a.residueVariance < 0 || a.residueVariance > index {
			t.Fatalf("sample %d: residueVariance %d out of [0,%d]", i, a.residueVariance, index)
		}
	}
}

func TestAverageMaxOffsetEnvelope(t *testing.T) {
	t.Parallel()

	var a average
	a.init(10)

	a.update(0)
	a.update(0)
	if a.maxOffset != 0 {
		t.Fatalf("maxOffset after steady samples: got %d, want 0", a.maxOffset)
	}

	// A deviation raises the envelope by the 3:1 weighting.
	a.update(900) // means 300, offset 600 -> (3*600+0)/4
	if a.maxOffset != 450 {
		t.Fatalf("maxOffset after spike: got %d, want 450", a.maxOffset)
	}

	// Two quiet samples later the envelope shrinks to sqrt(variance).
	a.update(900)
	a.update(900)
	if a.maxOffset != 372 {
		t.Errorf("maxOffset after shrink: got %d, want 372", a.maxOffset)
	}
}

func TestAverageRescaleConservesAccumulator(t *testing.T) {
	t.Parallel()

	var a average
	a.init(10)
	for _, v := range []int64{1000, 2000, 1500, 1750} {
		a.update(v)
	}

	before := a.value*a.divider + a.residue
	a.rescale(40)
	after := a.value*a.divider + a.residue

	if a.divider != 40 {
		t.Fatalf("divider: got %d, want 40", a.divider)
	}
	if before != after {
		t.Errorf("accumulator changed on rescale: %d != %d", before, after)
	}
}

func TestAverageResetKeepsDivider(t *testing.T) {
	t.Parallel()

	var a average
	a.init(25)
	a.update(100)
	a.reset()

	if a.divider != 25 {
		t.Errorf("divider: got %d, want 25", a.divider)
	}
	if a.value != 0 || a.residue != 0 || a.count != 0 || a.means != 0 ||
		a.variance != 0 || a.maxOffset != 0 || a.startCount != 0 {
		t.Errorf("reset left state behind: %+v", a)
	}
}

func TestDivmod(t *testing.T) {
	t.Parallel()

	cases := []struct {
		num, den, q, r int64
	}{
		{7, 3, 2, 1},
		{-7, 3, -3, 2},
		{6, 3, 2, 0},
		{-6, 3, -2, 0},
		{0, 10, 0, 0},
	}
	for _, tc := range cases {
		q, r := divmod(tc.num, tc.den)
		if q != tc.q || r != tc.r {
			t.Errorf("divmod(%d,%d): got (%d,%d), want (%d,%d)", tc.num, tc.den, q, r, tc.q, tc.r)
		}
		if q*tc.den+r != tc.num {
			t.Errorf("divmod(%d,%d): identity broken", tc.num, tc.den)
		}
	}
}

func TestIsqrt(t *testing.T) {
	t.Parallel()

	cases := []struct{ in, out int64 }{
		{0, 0}, {1, 1}, {2, 1}, {3, 1}, {4, 2}, {15, 3}, {16, 4},
		{138420, 372}, {1 << 40, 1 << 20}, {-5, 0},
	}
	for _, tc := range cases {
		if got := isqrt(tc.in); got != tc.out {
			t.Errorf("isqrt(%d): got %d, want %d", tc.in, got, tc.out)
		}
	}
}
