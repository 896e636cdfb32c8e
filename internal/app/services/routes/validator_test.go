package routes

import "testing"

func TestValidateUnsupportedSource(t *testing.T) {
	v := New(DefaultChains())

	res := v.Validate("Z", "base")
	if res.Valid {
		t.Fatal("unsupported source accepted")
	}
	if res.Code != CodeInvalidChain {
		t.Fatalf("expected %s, got %s", CodeInvalidChain, res.Code)
	}
	if len(res.SupportedChains) == 0 {
		t.Fatal("supported chains should be listed for client display")
	}
}

func TestValidateUnsupportedDestination(t *testing.T) {
	v := New(DefaultChains())

	res := v.Validate("ethereum", "unknown-chain")
	if res.Valid || res.Code != CodeInvalidChain {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestValidateSameChainAlwaysRejects(t *testing.T) {
	v := New(DefaultChains())

	for _, name := range v.Supported() {
		res := v.Validate(name, name)
		if res.Valid || res.Code != CodeSameChain {
			t.Fatalf("same-chain pair %s accepted: %+v", name, res)
		}
	}
}

func TestValidateCaseInsensitive(t *testing.T) {
	v := New(DefaultChains())

	if res := v.Validate("Ethereum", "BASE"); !res.Valid {
		t.Fatalf("case-insensitive match failed: %+v", res)
	}
}

func TestChainByNameResolvesDomain(t *testing.T) {
	v := New(DefaultChains())

	c, ok := v.ChainByName("base")
	if !ok || c.Domain != 6 {
		t.Fatalf("unexpected chain: %+v ok=%v", c, ok)
	}
	if _, ok := v.ChainByName("nope"); ok {
		t.Fatal("unknown chain resolved")
	}
}
