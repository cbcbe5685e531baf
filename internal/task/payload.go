package task

import (
	"fmt"
)

// fieldKind is the expected shape of one payload field.
type fieldKind int

const (
	kindString fieldKind = iota
	kindNumber
	kindStringList
)

type fieldSpec struct {
	key      string
	kind     fieldKind
	required bool
}

// payloadSpecs declares, per task type, the fields a handler relies on.
// Unknown keys are allowed (upstream stages attach completion data freely);
// only declared fields are shape-checked.
var payloadSpecs = map[Type][]fieldSpec{
	TypeSyncBalances:    {{key: "account_id", kind: kindString, required: true}},
	TypeSyncPositions:   {{key: "account_id", kind: kindString, required: true}},
	TypeFetchMarketData: {{key: "symbols", kind: kindStringList, required: true}, {key: "interval", kind: kindString}},
	TypeFetchNews:       {{key: "symbols", kind: kindStringList}, {key: "since", kind: kindString}},
	TypeRunAnalysis:     {{key: "symbol", kind: kindString, required: true}, {key: "model", kind: kindString}},
	TypeEvaluateNews:    {{key: "article_id", kind: kindString, required: true}, {key: "impact_score", kind: kindNumber}},
	TypeGenerateReport:  {},
}

// ValidatePayload checks a payload against the schema for its task type.
// An unknown type is a NoHandlerError-class problem and is reported as such,
// so malformed work surfaces before a handler dereferences missing fields.
func ValidatePayload(typ Type, payload map[string]any) error {
	specs, ok := payloadSpecs[typ]
	if !ok {
		return fmt.Errorf("%w: %q", ErrNoHandler, typ)
	}
	for _, fs := range specs {
		v, present := payload[fs.key]
		if !present {
			if fs.required {
				return fmt.Errorf("%w: %s: missing required field %q", ErrInvalidPayload, typ, fs.key)
			}
			continue
		}
		if err := checkKind(v, fs.kind); err != nil {
			return fmt.Errorf("%w: %s: field %q: %v", ErrInvalidPayload, typ, fs.key, err)
		}
	}
	return nil
}

// KnownType reports whether the task type has a declared payload schema.
func KnownType(typ Type) bool {
	_, ok := payloadSpecs[typ]
	return ok
}

func checkKind(v any, kind fieldKind) error {
	switch kind {
	case kindString:
		if _, ok := v.(string); !ok {
			return fmt.Errorf("want string, got %T", v)
		}
	case kindNumber:
		if !isNumber(v) {
			return fmt.Errorf("want number, got %T", v)
		}
	case kindStringList:
		switch x := v.(type) {
		case []string:
		case []any:
			for _, e := range x {
				if _, ok := e.(string); !ok {
					return fmt.Errorf("want string list, got %T element", e)
				}
			}
		default:
			return fmt.Errorf("want string list, got %T", v)
		}
	}
	return nil
}

// isNumber accepts the numeric types that survive JSON round-trips plus the
// native ints handlers produce directly.
func isNumber(v any) bool {
	switch v.(type) {
	case float64, float32, int, int32, int64, uint, uint32, uint64:
		return true
	}
	return false
}
