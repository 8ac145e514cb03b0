package forum

import (
	"encoding/json"
	"testing"
	"time"
)

func TestIntUnmarshal(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    int64
		wantErr bool
	}{
		{name: "number", input: `42`, want: 42},
		{name: "quoted number", input: `"42"`, want: 42},
		{name: "negative", input: `-7`, want: -7},
		{name: "quoted negative", input: `"-7"`, want: -7},
		{name: "null", input: `null`, want: 0},
		{name: "empty string", input: `""`, want: 0},
		{name: "garbage string", input: `"abc"`, wantErr: true},
		{name: "float literal", input: `1.5`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var n Int
			err := json.Unmarshal([]byte(tt.input), &n)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Unmarshal(%s) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if err == nil && n.Int64() != tt.want {
				t.Errorf("Unmarshal(%s) = %d, want %d", tt.input, n.Int64(), tt.want)
			}
		})
	}
}

func TestFloatUnmarshal(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    float64
		wantErr bool
	}{
		{name: "number", input: `3.5`, want: 3.5},
		{name: "integer number", input: `12`, want: 12},
		{name: "quoted number", input: `"3.5"`, want: 3.5},
		{name: "null", input: `null`, want: 0},
		{name: "empty string", input: `""`, want: 0},
		{name: "garbage", input: `"12b"`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var f Float
			err := json.Unmarshal([]byte(tt.input), &f)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Unmarshal(%s) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if err == nil && f.Float64() != tt.want {
				t.Errorf("Unmarshal(%s) = %v, want %v", tt.input, f.Float64(), tt.want)
			}
		})
	}
}

func TestThreadDecodeMixedTypes(t *testing.T) {
	raw := `{"tid":"4523","fid":2,"uid":"99","subject":"hello","dateline":1700000000,"lastpost":"1700000100","numreplies":"12"}`

	var th Thread
	if err := json.Unmarshal([]byte(raw), &th); err != nil {
		t.Fatalf("unmarshal thread: %v", err)
	}
	if th.TID.Int64() != 4523 {
		t.Errorf("TID = %d, want 4523", th.TID.Int64())
	}
	if th.LastPost.Int64() != 1700000100 {
		t.Errorf("LastPost = %d, want 1700000100", th.LastPost.Int64())
	}
	if th.NumReplies.Int64() != 12 {
		t.Errorf("NumReplies = %d, want 12", th.NumReplies.Int64())
	}
}

func TestCreditTxDecode(t *testing.T) {
	raw := `{"id":"881","amount":"250.5","reason":"payment","dateline":1700000000,"from":{"uid":"5","username":"alice"},"to":{"uid":9,"username":"bob"}}`

	var tx CreditTx
	if err := json.Unmarshal([]byte(raw), &tx); err != nil {
		t.Fatalf("unmarshal credit tx: %v", err)
	}
	if tx.ID.Int64() != 881 {
		t.Errorf("ID = %d, want 881", tx.ID.Int64())
	}
	if tx.Amount.Float64() != 250.5 {
		t.Errorf("Amount = %v, want 250.5", tx.Amount.Float64())
	}
	if tx.From.Username != "alice" {
		t.Errorf("From.Username = %q, want alice", tx.From.Username)
	}
}

func TestEventKinds(t *testing.T) {
	tests := []struct {
		name string
		ev   Event
		want Kind
	}{
		{name: "reply", ev: ReplyEvent{TID: 1}, want: KindReply},
		{name: "new thread", ev: NewThreadEvent{FID: 2}, want: KindNewThread},
		{name: "user thread", ev: UserThreadEvent{UID: 3}, want: KindUserThread},
		{name: "user post", ev: UserPostEvent{UID: 3}, want: KindUserPost},
		{name: "keyword", ev: KeywordEvent{Keyword: "x"}, want: KindKeyword},
		{name: "credit", ev: CreditEvent{ID: 4}, want: KindCredit},
		{name: "unread", ev: UnreadEvent{UnreadCount: 5}, want: KindUnread},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.ev.Kind(); got != tt.want {
				t.Errorf("Kind() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestEventOccurred(t *testing.T) {
	ev := ReplyEvent{Dateline: 1700000000}
	if got := ev.Occurred(); !got.Equal(time.Unix(1700000000, 0)) {
		t.Errorf("Occurred() = %v, want %v", got, time.Unix(1700000000, 0))
	}
}
