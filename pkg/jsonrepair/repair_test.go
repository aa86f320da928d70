package jsonrepair

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestRepairClosesTruncatedInput(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{name: "already valid", in: `{"a":1}`, want: `{"a":1}`},
		{name: "inside value string", in: `{"critique":"The loop never termin`, want: `{"critique":"The loop never termin"}`},
		{name: "nested array of objects", in: `{"issues":[{"title":"x","severity":"high"},{"title":"y"`, want: `{"issues":[{"title":"x","severity":"high"},{"title":"y"}]}`},
		{name: "dangling comma in object", in: `{"a":1, `, want: `{"a":1}`},
		{name: "dangling comma in array", in: `[1,2,`, want: `[1,2]`},
		{name: "key without value", in: `{"a":1,"b":`, want: `{"a":1}`},
		{name: "key without colon", in: `{"a":1,"b"`, want: `{"a":1}`},
		{name: "complete number at end", in: `{"a":[1,22`, want: `{"a":[1,22]}`},
		{name: "partial number dropped", in: `{"a":[1,2.`, want: `{"a":[1]}`},
		{name: "partial literal dropped", in: `{"ok":tr`, want: `{}`},
		{name: "dangling escape", in: `{"a":"line\`, want: `{"a":"line"}`},
		{name: "partial unicode escape", in: `{"a":"caf\u00`, want: `{"a":"caf"}`},
		{name: "empty nested object", in: `{"plan":{`, want: `{"plan":{}}`},
		{name: "top-level string", in: `"hello`, want: `"hello"`},
		{name: "trailing garbage after value", in: `{"a":1} trailing`, want: `{"a":1}`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Repair(tc.in)
			if err != nil {
				t.Fatalf("Repair(%q) error: %v", tc.in, err)
			}
			if string(got) != tc.want {
				t.Fatalf("Repair(%q) = %s, want %s", tc.in, got, tc.want)
			}
			if !json.Valid(got) {
				t.Fatalf("Repair(%q) produced invalid JSON %s", tc.in, got)
			}
		})
	}
}

func TestRepairRejectsUnusableInput(t *testing.T) {
	cases := []struct {
		name string
		in   string
	}{
		{name: "empty", in: "   "},
		{name: "mid key name", in: `{"critique":"fine","discussion_pl`},
		{name: "first key cut", in: `{"crit`},
		{name: "partial top-level literal", in: `nul`},
		{name: "mismatched closer", in: `{"a":[1}`},
		{name: "not json at all", in: `Sure! Here is the review`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Repair(tc.in)
			if !errors.Is(err, ErrUnrepairable) {
				t.Fatalf("Repair(%q) = %s, %v; want ErrUnrepairable", tc.in, got, err)
			}
		})
	}
}

func TestRepairedReviewDecodes(t *testing.T) {
	truncated := `{"critique":"ok","issues":[{"title":"off by one","severity":"medium"}],"discussion_plan":{"topics":[{"title":"Loops","question":"Why does the loop stop at n-1?","expected_answer":"Because the ind`

	raw, err := Repair(truncated)
	if err != nil {
		t.Fatalf("Repair error: %v", err)
	}

	var doc struct {
		Critique       string `json:"critique"`
		DiscussionPlan struct {
			Topics []struct {
				Title          string `json:"title"`
				ExpectedAnswer string `json:"expected_answer"`
			} `json:"topics"`
		} `json:"discussion_plan"`
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		t.Fatalf("unmarshal repaired output: %v", err)
	}
	if len(doc.DiscussionPlan.Topics) != 1 || doc.DiscussionPlan.Topics[0].ExpectedAnswer != "Because the ind" {
		t.Fatalf("unexpected topics: %+v", doc.DiscussionPlan.Topics)
	}
}

func TestStripCodeFences(t *testing.T) {
	cases := map[string]string{
		"```json\n{\"a\":1}\n```": `{"a":1}`,
		"```\n[1]\n```":           `[1]`,
		"```json\n{\"a\":":        `{"a":`,
		`{"plain":true}`:          `{"plain":true}`,
	}
	for in, want := range cases {
		if got := StripCodeFences(in); got != want {
			t.Fatalf("StripCodeFences(%q) = %q, want %q", in, got, want)
		}
	}
}
