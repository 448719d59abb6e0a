package agent

import (
	"testing"
)

func TestParseWidgetsSingleBlock(t *testing.T) {
	text := "Here is your refund summary.\n\n:::widget{type=\"table\" panel=\"side\"}\n{\"rows\": [[\"order\", \"1042\"]]}\n:::\n\nLet me know if anything looks off."

	widgets, stripped := ParseWidgets(text)
	if len(widgets) != 1 {
		t.Fatalf("expected 1 widget, got %d", len(widgets))
	}
	w := widgets[0]
	if w.Type != "table" {
		t.Errorf("type = %q, want table", w.Type)
	}
	if w.Attributes["panel"] != "side" {
		t.Errorf("panel = %q, want side", w.Attributes["panel"])
	}
	if string(w.Props) != "{\"rows\": [[\"order\", \"1042\"]]}" {
		t.Errorf("props = %s", w.Props)
	}
	want := "Here is your refund summary.\n\nLet me know if anything looks off."
	if stripped != want {
		t.Errorf("stripped = %q, want %q", stripped, want)
	}
}

func TestParseWidgetsMultipleBlocks(t *testing.T) {
	text := ":::widget{type=chart}\n{\"series\": [1, 2]}\n:::\n\nBetween the charts.\n\n:::widget{type=\"form\" id=\"f1\"}\n{\"fields\": []}\n:::"

	widgets, stripped := ParseWidgets(text)
	if len(widgets) != 2 {
		t.Fatalf("expected 2 widgets, got %d", len(widgets))
	}
	if widgets[0].Type != "chart" || widgets[1].Type != "form" {
		t.Errorf("types = %q, %q", widgets[0].Type, widgets[1].Type)
	}
	if widgets[1].Attributes["id"] != "f1" {
		t.Errorf("id = %q, want f1", widgets[1].Attributes["id"])
	}
	if stripped != "Between the charts." {
		t.Errorf("stripped = %q", stripped)
	}
}

func TestParseWidgetsAttributeQuoting(t *testing.T) {
	text := ":::widget{type=\"confirm\" action=\"refund order\" blocking=true}\n{\"order_id\": \"1042\"}\n:::"

	widgets, _ := ParseWidgets(text)
	if len(widgets) != 1 {
		t.Fatalf("expected 1 widget, got %d", len(widgets))
	}
	attrs := widgets[0].Attributes
	if attrs["action"] != "refund order" {
		t.Errorf("quoted attr = %q, want %q", attrs["action"], "refund order")
	}
	if attrs["blocking"] != "true" {
		t.Errorf("bare attr = %q, want true", attrs["blocking"])
	}
}

func TestParseWidgetsMalformedLeftIntact(t *testing.T) {
	tests := []struct {
		name string
		text string
	}{
		{"missing type", ":::widget{panel=\"side\"}\n{\"a\": 1}\n:::"},
		{"body not json", ":::widget{type=\"table\"}\nnot json at all\n:::"},
		{"body json array", ":::widget{type=\"table\"}\n[1, 2, 3]\n:::"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			widgets, stripped := ParseWidgets(tt.text)
			if len(widgets) != 0 {
				t.Fatalf("expected no widgets, got %d", len(widgets))
			}
			if stripped != tt.text {
				t.Errorf("malformed block was altered:\ngot  %q\nwant %q", stripped, tt.text)
			}
		})
	}
}

func TestParseWidgetsNoDirectives(t *testing.T) {
	text := "Plain answer with ::: punctuation but no directive."
	widgets, stripped := ParseWidgets(text)
	if len(widgets) != 0 {
		t.Fatalf("expected no widgets, got %d", len(widgets))
	}
	if stripped != text {
		t.Errorf("text altered: %q", stripped)
	}
}

func TestParseWidgetsSeamCollapse(t *testing.T) {
	text := "Before.\n\n\n:::widget{type=\"table\"}\n{}\n:::\n\n\nAfter."
	_, stripped := ParseWidgets(text)
	if stripped != "Before.\n\nAfter." {
		t.Errorf("stripped = %q", stripped)
	}
}

func TestParseWidgetsMultilineProps(t *testing.T) {
	text := ":::widget{type=\"chart\"}\n{\n  \"series\": [1, 2, 3],\n  \"label\": \"refunds\"\n}\n:::"
	widgets, stripped := ParseWidgets(text)
	if len(widgets) != 1 {
		t.Fatalf("expected 1 widget, got %d", len(widgets))
	}
	if stripped != "" {
		t.Errorf("stripped = %q, want empty", stripped)
	}
	if widgets[0].Attributes["type"] != "chart" {
		t.Errorf("type attr = %q", widgets[0].Attributes["type"])
	}
}
