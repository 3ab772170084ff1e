package middleware

import (
	"fmt"

	"quotagate/internal/config"
	"quotagate/pkg/admission"
)

// RulesFromConfig translates declarative rule definitions into
// executable admission rules. The extractor supplies client IPs for
// ip-keyed rules; nil defaults to RemoteAddr extraction.
func RulesFromConfig(configs []config.RuleConfig, extractor IPExtractor) ([]admission.Rule, error) {
	rules := make([]admission.Rule, 0, len(configs))
	for i, rc := range configs {
		rule, err := ruleFromConfig(rc, extractor)
		if err != nil {
			return nil, fmt.Errorf("rule %d: %w", i, err)
		}
		rules = append(rules, rule)
	}
	return rules, nil
}

func ruleFromConfig(rc config.RuleConfig, extractor IPExtractor) (admission.Rule, error) {
	rule := admission.Rule{
		Phase:   admission.Phase(rc.Phase),
		Address: rc.Address,
	}

	switch {
	case rc.Bucket != "":
		rule.Bucket = admission.StaticBucket(rc.Bucket)
	case rc.BucketHeader != "":
		rule.Bucket = admission.DynamicBucket(HeaderBucket(rc.BucketHeader))
	default:
		return admission.Rule{}, fmt.Errorf("no bucket configured")
	}

	switch rc.Key.Source {
	case config.KeySourceIP:
		rule.Key = IPKey(extractor)
	case config.KeySourceHeader:
		rule.Key = HeaderKey(rc.Key.Header)
	case config.KeySourceStatic:
		rule.Key = StaticKey(rc.Key.Value)
	default:
		return admission.Rule{}, fmt.Errorf("unknown key source %q", rc.Key.Source)
	}

	if rc.OnError == config.OnErrorClosed {
		rule.OnBackendError = func(error) admission.BackendDecision {
			return admission.DecisionReject
		}
	}

	return rule, rule.Validate()
}
