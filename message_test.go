package beseda_test

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/MegaGrindStone/go-beseda"
)

func TestChannelList_UnmarshalJSON(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    []string
		wantErr bool
	}{
		{
			name:  "single string",
			input: `"/foo"`,
			want:  []string{"/foo"},
		},
		{
			name:  "array",
			input: `["/foo","/bar"]`,
			want:  []string{"/foo", "/bar"},
		},
		{
			name:  "null",
			input: `null`,
			want:  nil,
		},
		{
			name:    "number",
			input:   `42`,
			wantErr: true,
		},
		{
			name:    "array with number",
			input:   `["/foo", 1]`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got beseda.ChannelList
			err := json.Unmarshal([]byte(tt.input), &got)
			if (err != nil) != tt.wantErr {
				t.Fatalf("UnmarshalJSON() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if len(got) != len(tt.want) {
				t.Fatalf("got %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("element %d: got %q, want %q", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestChannelList_MarshalJSON(t *testing.T) {
	tests := []struct {
		name  string
		input beseda.ChannelList
		want  string
	}{
		{
			name:  "single",
			input: beseda.ChannelList{"/foo"},
			want:  `"/foo"`,
		},
		{
			name:  "many",
			input: beseda.ChannelList{"/foo", "/bar"},
			want:  `["/foo","/bar"]`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := json.Marshal(tt.input)
			if err != nil {
				t.Fatalf("MarshalJSON() error = %v", err)
			}
			if string(got) != tt.want {
				t.Errorf("got %s, want %s", got, tt.want)
			}
		})
	}
}

func TestMessageOmitsEmptyFields(t *testing.T) {
	bs, err := json.Marshal(beseda.Message{Channel: "/foo", Data: json.RawMessage(`{"x":1}`)})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if want := `{"channel":"/foo","data":{"x":1}}`; string(bs) != want {
		t.Errorf("got %s, want %s", bs, want)
	}
}

func TestDecodeBatch(t *testing.T) {
	msgs, err := beseda.DecodeBatch([]byte(` [{"channel":"/meta/connect","clientId":"c1","id":"1"}, "junk", {"channel":"/foo","subscription":"/bar"}]`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("got %d messages, want 3", len(msgs))
	}
	if msgs[0].ClientID != "c1" || msgs[0].Channel != beseda.MetaConnect {
		t.Errorf("unexpected first message %+v", msgs[0])
	}
	if msgs[1].Channel != "" || msgs[1].Malformed() {
		t.Errorf("invalid element decoded to %+v, want zero message", msgs[1])
	}
	if len(msgs[2].Subscription) != 1 || msgs[2].Subscription[0] != "/bar" {
		t.Errorf("unexpected subscription %v", msgs[2].Subscription)
	}

	msgs, err = beseda.DecodeBatch([]byte(`[{"channel":"/foo","clientId":"c1","id":"9","data":1,"subscription":{}}]`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !msgs[0].Malformed() {
		t.Error("expected element with an invalid subscription to be malformed")
	}
	if msgs[0].Channel != "/foo" || msgs[0].ClientID != "c1" || msgs[0].ID != "9" || msgs[0].Data != nil {
		t.Errorf("got %+v, want only the addressing fields", msgs[0])
	}

	for _, raw := range []string{`{}`, `"x"`, `[`, ``} {
		if _, err := beseda.DecodeBatch([]byte(raw)); !errors.Is(err, beseda.ErrMalformedBatch) {
			t.Errorf("DecodeBatch(%q) error = %v, want %v", raw, err, beseda.ErrMalformedBatch)
		}
	}
}

func TestEncodeBatch(t *testing.T) {
	bs, err := beseda.EncodeBatch(nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(bs) != "[]" {
		t.Errorf("got %s, want []", bs)
	}
}

func TestChannelClassification(t *testing.T) {
	tests := []struct {
		name     string
		meta     bool
		service  bool
		wildcard bool
	}{
		{name: "/meta/connect", meta: true},
		{name: "/service/echo", service: true},
		{name: "/foo/*", wildcard: true},
		{name: "/foo/bar"},
		{name: "/metadata"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := beseda.IsMetaChannel(tt.name); got != tt.meta {
				t.Errorf("IsMetaChannel() = %v, want %v", got, tt.meta)
			}
			if got := beseda.IsServiceChannel(tt.name); got != tt.service {
				t.Errorf("IsServiceChannel() = %v, want %v", got, tt.service)
			}
			if got := beseda.HasWildcard(tt.name); got != tt.wildcard {
				t.Errorf("HasWildcard() = %v, want %v", got, tt.wildcard)
			}
		})
	}
}
