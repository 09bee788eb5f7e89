package modelrouter

import "testing"

func TestSelectModel_ClassifierPicksHeavyForVision(t *testing.T) {
	r := New(nil, DefaultRoutingConfig())
	d := r.SelectModel(Features{HasVision: true}, SelectOptions{})
	if d.Tier != TierHeavy {
		t.Fatalf("expected HEAVY tier for vision request, got %s", d.Tier)
	}
	if d.Source != "classifier" {
		t.Fatalf("expected source classifier, got %s", d.Source)
	}
}

func TestSelectModel_OverrideWins(t *testing.T) {
	cfg := DefaultRoutingConfig()
	cfg.Overrides["tenant-a"] = "glm-4.5-air"
	r := New(nil, cfg)

	d := r.SelectModel(Features{HasVision: true}, SelectOptions{OverrideKey: "tenant-a"})
	if d.Source != "override" || d.TargetModel != "glm-4.5-air" {
		t.Fatalf("expected override to win, got %+v", d)
	}
}

func TestSelectModel_RuleBeforeClassifier(t *testing.T) {
	cfg := DefaultRoutingConfig()
	cfg.Rules = []Rule{{Name: "force-light", ClientModelEquals: "claude-haiku", TargetModel: "glm-4.5-air"}}
	r := New(nil, cfg)

	d := r.SelectModel(Features{ClientModel: "claude-haiku", MessageCount: 50}, SelectOptions{})
	if d.Source != "rule" || d.TargetModel != "glm-4.5-air" {
		t.Fatalf("expected rule to win, got %+v", d)
	}
}

func TestSelectModel_ExcludesAttemptedModels(t *testing.T) {
	r := New(nil, DefaultRoutingConfig())
	d := r.SelectModel(Features{}, SelectOptions{AttemptedModels: map[string]bool{"glm-4.5": true}})
	if d.TargetModel == "glm-4.5" {
		t.Fatal("attempted model should have been excluded")
	}
}

func TestAcquireReleaseModel_RespectsMaxConcurrency(t *testing.T) {
	cfg := DefaultRoutingConfig()
	models := []Model{{ID: "solo", Tier: TierMedium, MaxConcurrency: 1}}
	r := New(models, cfg)

	if !r.AcquireModel("solo") {
		t.Fatal("expected first acquire to succeed")
	}
	if r.AcquireModel("solo") {
		t.Fatal("expected second acquire to fail: at capacity")
	}
	r.ReleaseModel("solo")
	if !r.AcquireModel("solo") {
		t.Fatal("expected acquire to succeed after release")
	}
}

func TestRecordModelCooldown_NeverShrinks(t *testing.T) {
	r := New(nil, DefaultRoutingConfig())
	r.RecordModelCooldown("glm-4.6", 5000, false)
	r.RecordModelCooldown("glm-4.6", 1000, false) // shorter, should not shrink

	hold := r.PeekAdmissionHold(Features{HasVision: true})
	if hold.MinCooldownMs < 4000 {
		t.Fatalf("cooldown should not shrink, got %dms remaining", hold.MinCooldownMs)
	}
}

func TestApplyBurstDampening_TransientVsPersistent(t *testing.T) {
	r := New(nil, DefaultRoutingConfig())

	r.RecordPool429("glm-4.5")
	_, dampened := r.ApplyBurstDampening("glm-4.5", 0)
	if !dampened {
		t.Fatal("expected first hit to be dampened (transient burst)")
	}

	r.RecordPool429("glm-4.5")
	n := r.RecordPool429("glm-4.5")
	if n != 3 {
		t.Fatalf("expected count 3, got %d", n)
	}
	cooldownMs, dampened := r.ApplyBurstDampening("glm-4.5", 0)
	if dampened {
		t.Fatal("expected third hit to trigger the full, non-dampened cooldown")
	}
	if cooldownMs <= 0 {
		t.Fatal("expected a positive cooldown")
	}
}

func TestRoutingConfig_ValidateRejectsUnknownDefault(t *testing.T) {
	cfg := DefaultRoutingConfig()
	cfg.DefaultModel = "does-not-exist"
	models := map[string]Model{"glm-4.5": {ID: "glm-4.5"}}
	if err := cfg.Validate(models); err == nil {
		t.Fatal("expected validation error for unknown default model")
	}
}

func TestPricingTable_LongestPrefixMatch(t *testing.T) {
	table, err := NewPricingTable([]Model{
		{ID: "claude-sonnet-4-5", PriceInputUSD: 3, PriceOutputUSD: 15},
		{ID: "claude", PriceInputUSD: 1, PriceOutputUSD: 2},
	}, "")
	if err != nil {
		t.Fatal(err)
	}
	p, ok := table.Lookup("claude-sonnet-4-5-20250929")
	if !ok || p.InputPer1M != 3 {
		t.Fatalf("expected longest-prefix match on claude-sonnet-4-5, got %+v ok=%v", p, ok)
	}
}

func TestPricingTable_CaseInsensitiveMatch(t *testing.T) {
	table, err := NewPricingTable([]Model{{ID: "GLM-4.6", PriceInputUSD: 3, PriceOutputUSD: 15}}, "")
	if err != nil {
		t.Fatal(err)
	}
	p, ok := table.Lookup("glm-4.6")
	if !ok || p.InputPer1M != 3 {
		t.Fatalf("expected case-insensitive match, got %+v ok=%v", p, ok)
	}
}
