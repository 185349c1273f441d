package ai

import "testing"

func TestExtractJSONPayload(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		in   string
		want string
	}{
		{name: "bare json", in: `{"a":1}`, want: `{"a":1}`},
		{name: "fenced", in: "```json\n{\"a\":1}\n```", want: `{"a":1}`},
		{name: "fenced no lang", in: "```\n[1,2]\n```", want: `[1,2]`},
		{name: "padded", in: "  {\"a\":1}  ", want: `{"a":1}`},
	}

	for _, tc := range cases {
		if got := ExtractJSONPayload(tc.in); got != tc.want {
			t.Fatalf("%s: got %q want %q", tc.name, got, tc.want)
		}
	}
}
