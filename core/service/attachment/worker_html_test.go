package attachment

import "testing"

func TestStripHTMLToTextDropsScriptAndStyle(t *testing.T) {
	html := `<html><head><style>.x{color:red}</style><script>alert(1)</script></head>` +
		`<body><p>Hello</p><br>World</body></html>`
	got := stripHTMLToText(html)
	if got != "Hello\nWorld" {
		t.Errorf("expected %q, got %q", "Hello\nWorld", got)
	}
}

func TestStripHTMLToTextDecodesEntities(t *testing.T) {
	html := `Tom &amp; Jerry &lt;say&gt; &quot;hi&quot; &#39;there&#39;`
	got := stripHTMLToText(html)
	want := `Tom & Jerry <say> "hi" 'there'`
	if got != want {
		t.Errorf("expected %q, got %q", want, got)
	}
}

func TestStripHTMLToTextTrimsWhitespace(t *testing.T) {
	got := stripHTMLToText("  <p>  padded  </p>  ")
	if got != "padded" {
		t.Errorf("expected trimmed 'padded', got %q", got)
	}
}
