package chain

import "testing"

func TestGet(t *testing.T) {
	p, ok := Get("ethereum")
	if !ok {
		t.Fatal("ethereum should be registered")
	}
	if p.Family != FamilyEVM {
		t.Errorf("Family = %s, want %s", p.Family, FamilyEVM)
	}
	if p.RequiredConfirmations == 0 {
		t.Error("RequiredConfirmations should be nonzero")
	}

	if _, ok := Get("unknown-chain"); ok {
		t.Error("unknown chain should not resolve")
	}
}

func TestRegistryInvariants(t *testing.T) {
	for _, id := range IDs() {
		p, _ := Get(id)
		if p.ID != id {
			t.Errorf("%s: ID mismatch %s", id, p.ID)
		}
		if p.MinTimelock <= 0 || p.MaxTimelock <= p.MinTimelock {
			t.Errorf("%s: bad timelock bounds %v..%v", id, p.MinTimelock, p.MaxTimelock)
		}
		if p.FinalityPollInterval <= 0 {
			t.Errorf("%s: FinalityPollInterval not set", id)
		}
	}
}
