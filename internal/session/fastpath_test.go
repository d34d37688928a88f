package session

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"autosmith/internal/document"
)

func loadDoc(t *testing.T, text string) map[string]interface{} {
	t.Helper()
	obj := document.CoerceMap(text)
	if obj == nil {
		t.Fatalf("fixture did not parse:\n%s", text)
	}
	return obj
}

func TestApplyLocalEditRules(t *testing.T) {
	cases := []struct {
		name    string
		prompt  string
		changed bool
		notes   []string
		check   func(t *testing.T, obj map[string]interface{})
	}{
		{
			name:    "rename",
			prompt:  "rename this to Bedtime Routine",
			changed: true,
			notes:   []string{"alias -> Bedtime Routine"},
			check: func(t *testing.T, obj map[string]interface{}) {
				if obj["alias"] != "Bedtime Routine" {
					t.Fatalf("alias = %v", obj["alias"])
				}
			},
		},
		{
			name:    "rename quoted",
			prompt:  `set alias to "Night Watch"`,
			changed: true,
			notes:   []string{"alias -> Night Watch"},
		},
		{
			name:    "description",
			prompt:  "change description to runs after sunset",
			changed: true,
			notes:   []string{"description updated"},
			check: func(t *testing.T, obj map[string]interface{}) {
				if obj["description"] != "runs after sunset" {
					t.Fatalf("description = %v", obj["description"])
				}
			},
		},
		{
			name:    "mode",
			prompt:  "set mode to restart",
			changed: true,
			notes:   []string{"mode -> restart"},
		},
		{
			name:    "initial state off",
			prompt:  "start disabled",
			changed: true,
			notes:   []string{"initial_state -> false"},
			check: func(t *testing.T, obj map[string]interface{}) {
				if obj["initial_state"] != false {
					t.Fatalf("initial_state = %v", obj["initial_state"])
				}
			},
		},
		{
			name:    "service substitution",
			prompt:  "change service light.turn_on to light.toggle",
			changed: true,
			notes:   []string{"service light.turn_on -> light.toggle"},
			check: func(t *testing.T, obj map[string]interface{}) {
				steps := document.AsList(obj["action"])
				step := steps[0].(map[string]interface{})
				if step["service"] != "light.toggle" {
					t.Fatalf("service = %v", step["service"])
				}
			},
		},
		{
			name:    "condition append",
			prompt:  "only if binary_sensor.in_bed is off",
			changed: true,
			notes:   []string{"add condition binary_sensor.in_bed is off"},
			check: func(t *testing.T, obj map[string]interface{}) {
				conds := document.AsList(obj["condition"])
				if len(conds) != 1 {
					t.Fatalf("conditions = %v", conds)
				}
				c := conds[0].(map[string]interface{})
				if c["entity_id"] != "binary_sensor.in_bed" || c["state"] != "off" {
					t.Fatalf("condition = %v", c)
				}
			},
		},
		{
			name:    "complex request no match",
			prompt:  "add a 30 minute window before bed and don't notify if already in bed",
			changed: false,
		},
		{
			name:    "empty prompt",
			prompt:  "   ",
			changed: false,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			obj := loadDoc(t, testDoc)
			changed, notes := ApplyLocalEditRules(tc.prompt, obj, "automation")
			if changed != tc.changed {
				t.Fatalf("changed = %v, want %v (notes %v)", changed, tc.changed, notes)
			}
			if tc.notes != nil {
				if d := cmp.Diff(tc.notes, notes); d != "" {
					t.Fatalf("notes mismatch (-want +got):\n%s", d)
				}
			}
			if tc.check != nil {
				tc.check(t, obj)
			}
		})
	}
}

func TestApplyLocalEditRulesConditionDedup(t *testing.T) {
	obj := loadDoc(t, testDoc)
	if changed, _ := ApplyLocalEditRules("only if binary_sensor.in_bed is off", obj, "automation"); !changed {
		t.Fatal("first append did not change the document")
	}
	if changed, _ := ApplyLocalEditRules("only if binary_sensor.in_bed is off", obj, "automation"); changed {
		t.Fatal("duplicate condition was appended")
	}
	if got := len(document.AsList(obj["condition"])); got != 1 {
		t.Fatalf("conditions = %d, want 1", got)
	}
}

func TestApplyLocalEditRulesScriptUsesSequence(t *testing.T) {
	const script = `alias: Goodnight
sequence:
  - service: light.turn_off
    entity_id: light.living_room
mode: single
`
	obj := loadDoc(t, script)
	changed, notes := ApplyLocalEditRules("change service light.turn_off to light.toggle", obj, "script")
	if !changed {
		t.Fatal("script service substitution did not apply")
	}
	if notes[0] != "service light.turn_off -> light.toggle" {
		t.Fatalf("notes = %v", notes)
	}
	step := document.AsList(obj["sequence"])[0].(map[string]interface{})
	if step["service"] != "light.toggle" {
		t.Fatalf("service = %v", step["service"])
	}
}

func TestApplyLocalEditRulesConditionSkippedForScripts(t *testing.T) {
	obj := loadDoc(t, testDoc)
	if changed, _ := ApplyLocalEditRules("only if binary_sensor.in_bed is off", obj, "script"); changed {
		t.Fatal("condition rule must not apply to scripts")
	}
}
