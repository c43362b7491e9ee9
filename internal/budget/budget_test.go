package budget

import "testing"

func TestEstimateTokensFromChars(t *testing.T) {
	cases := []struct {
		in   int
		want int
	}{
		{0, 0},
		{1, 1},
		{4, 1},
		{5, 2},
		{400, 100},
	}
	for _, c := range cases {
		if got := EstimateTokensFromChars(c.in); got != c.want {
			t.Fatalf("EstimateTokensFromChars(%d) = %d, want %d", c.in, got, c.want)
		}
	}
}

func TestModelContextTokens(t *testing.T) {
	if ModelContextTokens("") != DefaultContextTokens {
		t.Fatal("empty model should use the default")
	}
	if ModelContextTokens("LLAMA-3.1") != 128_000 {
		t.Fatal("lookup should ignore case")
	}
	if ModelContextTokens("mystery-512k") != 512_000 {
		t.Fatal("size suffix should be honoured")
	}
	if ModelContextTokens("phi-mini") != 128_000 {
		t.Fatal("mini models assume a large context")
	}
}

func TestRemainingContext(t *testing.T) {
	model := "gpt-3.5-turbo"
	head := HeadroomTokens(model)
	if head != 820 {
		t.Fatalf("headroom = %d, want 5%% of 16384 rounded up", head)
	}
	if got := RemainingContext(model, 1000, 2000); got != 16_384-head-1000-2000 {
		t.Fatalf("remaining = %d", got)
	}
	if RemainingContext(model, 20_000, 0) != 0 {
		t.Fatal("remaining must not go negative")
	}
}

func TestInputChars(t *testing.T) {
	fixed := "0123456789abcdef" // 4 tokens
	got := InputChars("", 1000, fixed)
	want := (DefaultContextTokens - 512 - 1000 - 4) * CharsPerToken
	if got != want {
		t.Fatalf("InputChars = %d, want %d", got, want)
	}
}
