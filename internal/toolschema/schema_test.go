package toolschema

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestTranslateFlattensNestedObject(t *testing.T) {
	defs := []ToolDefinition{{
		Name: "create_event",
		Fields: []Field{
			{Name: "title", Type: TypeString, Required: true},
			{Name: "window", Type: TypeObject, Required: true, Children: []Field{
				{Name: "start", Type: TypeString, Required: true},
				{Name: "end", Type: TypeString, Required: false},
			}},
		},
	}}

	tools, dropped, err := Translate(defs, 0)
	if err != nil {
		t.Fatalf("Translate() error = %v", err)
	}
	if len(dropped) != 0 {
		t.Fatalf("dropped = %v, want none", dropped)
	}
	if len(tools) != 1 {
		t.Fatalf("tools = %d, want 1", len(tools))
	}

	got := tools[0]
	wantNames := []string{"title", "window_start", "window_end"}
	if len(got.Fields) != len(wantNames) {
		t.Fatalf("fields = %d, want %d", len(got.Fields), len(wantNames))
	}
	for i, name := range wantNames {
		if got.Fields[i].Name != name {
			t.Fatalf("field[%d] = %q, want %q", i, got.Fields[i].Name, name)
		}
	}
	if !got.Fields[1].Required {
		t.Fatalf("window_start should stay required")
	}
	if got.Fields[2].Required {
		t.Fatalf("window_end should stay optional")
	}
}

func TestTranslateOptionalObjectDemotesChildren(t *testing.T) {
	defs := []ToolDefinition{{
		Name: "search",
		Fields: []Field{
			{Name: "filters", Type: TypeObject, Required: false, Children: []Field{
				{Name: "city", Type: TypeString, Required: true},
			}},
		},
	}}

	tools, _, err := Translate(defs, 0)
	if err != nil {
		t.Fatalf("Translate() error = %v", err)
	}
	if tools[0].Fields[0].Name != "filters_city" {
		t.Fatalf("field = %q, want filters_city", tools[0].Fields[0].Name)
	}
	if tools[0].Fields[0].Required {
		t.Fatalf("child of optional object must not be required")
	}
}

func TestTranslateDropsDeeplyNestedTool(t *testing.T) {
	defs := []ToolDefinition{
		{
			Name: "deep",
			Fields: []Field{
				{Name: "outer", Type: TypeObject, Children: []Field{
					{Name: "inner", Type: TypeObject, Children: []Field{
						{Name: "leaf", Type: TypeString},
					}},
				}},
			},
		},
		{
			Name:   "shallow",
			Fields: []Field{{Name: "q", Type: TypeString, Required: true}},
		},
	}

	tools, dropped, err := Translate(defs, 0)
	if err != nil {
		t.Fatalf("Translate() error = %v", err)
	}
	if len(tools) != 1 || tools[0].Name != "shallow" {
		t.Fatalf("tools = %+v, want only shallow", tools)
	}
	if len(dropped) != 1 || dropped[0] != "deep" {
		t.Fatalf("dropped = %v, want [deep]", dropped)
	}
}

func TestTranslateFailsWhenNothingSurvives(t *testing.T) {
	defs := []ToolDefinition{{
		Name: "opaque",
		Fields: []Field{
			{Name: "blob", Type: TypeObject, Children: []Field{
				{Name: "any", Type: TypeObject},
			}},
		},
	}}

	if _, _, err := Translate(defs, 0); err == nil {
		t.Fatalf("Translate() should fail when every tool is dropped")
	}
}

func TestTranslateDropsOversizedTool(t *testing.T) {
	huge := make([]byte, 2048)
	for i := range huge {
		huge[i] = 'x'
	}
	defs := []ToolDefinition{
		{
			Name:        "verbose",
			Description: string(huge),
			Fields:      []Field{{Name: "q", Type: TypeString, Required: true}},
		},
		{
			Name:   "terse",
			Fields: []Field{{Name: "q", Type: TypeString, Required: true}},
		},
	}

	tools, dropped, err := Translate(defs, 1024)
	if err != nil {
		t.Fatalf("Translate() error = %v", err)
	}
	if len(tools) != 1 || tools[0].Name != "terse" {
		t.Fatalf("tools = %+v, want only terse", tools)
	}
	if len(dropped) != 1 || dropped[0] != "verbose" {
		t.Fatalf("dropped = %v, want [verbose]", dropped)
	}
}

func TestTranslateArrayOfPrimitives(t *testing.T) {
	defs := []ToolDefinition{{
		Name: "tag",
		Fields: []Field{
			{Name: "labels", Type: TypeArray, Elem: TypeString, Required: true},
			{Name: "matrix", Type: TypeArray, Elem: TypeArray},
		},
	}}

	tools, _, err := Translate(defs, 0)
	if err != nil {
		t.Fatalf("Translate() error = %v", err)
	}
	fields := tools[0].Fields
	if len(fields) != 1 {
		t.Fatalf("fields = %d, want 1 (nested array dropped)", len(fields))
	}
	if fields[0].Name != "labels" || fields[0].Elem != TypeString {
		t.Fatalf("field = %+v, want labels []string", fields[0])
	}
}

func TestTranslateEnumBecomesDescriptionHint(t *testing.T) {
	defs := []ToolDefinition{{
		Name: "set_mode",
		Fields: []Field{
			{Name: "mode", Type: TypeString, Required: true, Enum: []string{"eco", "turbo"}},
		},
	}}

	tools, _, err := Translate(defs, 0)
	if err != nil {
		t.Fatalf("Translate() error = %v", err)
	}
	desc := tools[0].Fields[0].Description
	if desc != "one of: eco, turbo" {
		t.Fatalf("description = %q, want enum hint", desc)
	}
}

func remoteTool() RemoteTool {
	return RemoteTool{
		Name: "create_event",
		Fields: []RemoteField{
			{Name: "title", Type: TypeString, Required: true},
			{Name: "attendees", Type: TypeArray, Elem: TypeString},
			{Name: "priority", Type: TypeInteger},
			{Name: "duration_hours", Type: TypeNumber},
			{Name: "all_day", Type: TypeBoolean},
		},
	}
}

func TestSanitizeArgumentsAccepts(t *testing.T) {
	raw := json.RawMessage(`{
		"title": "standup",
		"attendees": ["ana", "bo"],
		"priority": 2,
		"duration_hours": 0.5,
		"all_day": false
	}`)

	args, err := SanitizeArguments(raw, remoteTool())
	if err != nil {
		t.Fatalf("SanitizeArguments() error = %v", err)
	}
	if args["title"] != "standup" {
		t.Fatalf("title = %v", args["title"])
	}
	if args["priority"] != int64(2) {
		t.Fatalf("priority = %v (%T), want int64(2)", args["priority"], args["priority"])
	}
	if args["duration_hours"] != 0.5 {
		t.Fatalf("duration_hours = %v", args["duration_hours"])
	}
}

func TestSanitizeArgumentsRejects(t *testing.T) {
	cases := []struct {
		name string
		raw  string
	}{
		{"missing required", `{"all_day": true}`},
		{"unknown field", `{"title": "x", "location": "hq"}`},
		{"wrong type", `{"title": 7}`},
		{"fractional integer", `{"title": "x", "priority": 2.5}`},
		{"bad array elem", `{"title": "x", "attendees": ["ana", 3]}`},
		{"not an object", `[1, 2]`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := SanitizeArguments(json.RawMessage(tc.raw), remoteTool())
			var argErr *ArgumentError
			if !errors.As(err, &argErr) {
				t.Fatalf("error = %v, want *ArgumentError", err)
			}
		})
	}
}

func TestSanitizeArgumentsIntegralFloat(t *testing.T) {
	raw := json.RawMessage(`{"title": "x", "priority": 3.0}`)
	args, err := SanitizeArguments(raw, remoteTool())
	if err != nil {
		t.Fatalf("SanitizeArguments() error = %v", err)
	}
	if args["priority"] != int64(3) {
		t.Fatalf("priority = %v (%T), want int64(3)", args["priority"], args["priority"])
	}
}

func TestSanitizeArgumentsEmptyPayload(t *testing.T) {
	tool := RemoteTool{Name: "ping", Fields: nil}
	args, err := SanitizeArguments(nil, tool)
	if err != nil {
		t.Fatalf("SanitizeArguments() error = %v", err)
	}
	if len(args) != 0 {
		t.Fatalf("args = %v, want empty", args)
	}
}
