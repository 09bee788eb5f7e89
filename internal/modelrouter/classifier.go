package modelrouter

// Features is the feature vector extracted from an inbound request body,
// used by the classifier when no override or rule matches (§3, §4.2).
type Features struct {
	MessageCount  int
	HasTools      bool
	HasVision     bool
	SystemLength  int
	MaxTokens     int
	ClientModel   string
}

// ClassifierThresholds are the configuration constants the classifier
// compares features against (§4.2 "Threshold constants are configuration").
type ClassifierThresholds struct {
	HeavySystemLength int
	HeavyMessageCount int
	HeavyMaxTokens    int
	LightSystemLength int
	LightMessageCount int
}

// DefaultClassifierThresholds mirrors the teacher's conservative defaults.
func DefaultClassifierThresholds() ClassifierThresholds {
	return ClassifierThresholds{
		HeavySystemLength: 4000,
		HeavyMessageCount: 20,
		HeavyMaxTokens:    8000,
		LightSystemLength: 200,
		LightMessageCount: 2,
	}
}

// ClassifyFeatures exposes the classifier for dry-run diagnostics (the
// routing-config test endpoint).
func (r *Router) ClassifyFeatures(f Features) Tier {
	r.mu.RLock()
	th := r.cfg.Classifier
	r.mu.RUnlock()
	return classify(f, th)
}

// classify maps a feature vector to a tier. Vision or tool use always pushes
// a request to HEAVY regardless of size, since those requests need the
// largest-context models to answer usefully.
func classify(f Features, th ClassifierThresholds) Tier {
	if f.HasVision || f.HasTools {
		return TierHeavy
	}
	if f.SystemLength >= th.HeavySystemLength ||
		f.MessageCount >= th.HeavyMessageCount ||
		f.MaxTokens >= th.HeavyMaxTokens {
		return TierHeavy
	}
	if f.SystemLength <= th.LightSystemLength && f.MessageCount <= th.LightMessageCount {
		return TierLight
	}
	return TierMedium
}
