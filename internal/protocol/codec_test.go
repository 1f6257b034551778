package protocol

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestDecodeRequest(t *testing.T) {
	tests := []struct {
		name    string
		frame   string
		wantErr bool
		checkFn func(t *testing.T, req *Request)
	}{
		{
			name:  "awaited command",
			frame: `{"id":7,"cmd":"GetScript","data":42}`,
			checkFn: func(t *testing.T, req *Request) {
				if req.ID == nil || *req.ID != 7 {
					t.Errorf("id = %v, want 7", req.ID)
				}
				if req.Cmd != "GetScript" {
					t.Errorf("cmd = %q", req.Cmd)
				}
				if string(req.Data) != "42" {
					t.Errorf("data = %s", req.Data)
				}
			},
		},
		{
			name:  "fire and forget",
			frame: `{"cmd":"SetBadge","data":3}`,
			checkFn: func(t *testing.T, req *Request) {
				if req.ID != nil {
					t.Errorf("id = %v, want nil", *req.ID)
				}
			},
		},
		{name: "missing cmd", frame: `{"data":1}`, wantErr: true},
		{name: "not json", frame: `cmd=GetData`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := DecodeRequest([]byte(tt.frame))
			if (err != nil) != tt.wantErr {
				t.Fatalf("DecodeRequest() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.checkFn != nil {
				tt.checkFn(t, req)
			}
		})
	}
}

func TestDecodeHostEvent(t *testing.T) {
	tests := []struct {
		name    string
		frame   string
		wantErr string
	}{
		{name: "click", frame: `{"event":"notificationClicked","id":"VM-NoGrantWarning"}`},
		{name: "close", frame: `{"event":"notificationClosed","id":"abc"}`},
		{name: "missing id", frame: `{"event":"notificationClosed"}`, wantErr: "missing notification id"},
		{name: "unknown event", frame: `{"event":"tabRemoved","id":"1"}`, wantErr: "unknown host event"},
		{name: "unknown field", frame: `{"event":"notificationClosed","id":"1","extra":true}`, wantErr: "unknown field"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeHostEvent([]byte(tt.frame))
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestEncodeReplyOmitsEmptyError(t *testing.T) {
	b, err := Encode(Reply{ID: 3, Data: map[string]int{"a": 1}})
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(b), "error") {
		t.Errorf("unexpected error field in %s", b)
	}
	if !strings.Contains(string(b), `"id":3`) {
		t.Errorf("missing id in %s", b)
	}
}

func TestEncodePushKeepsNullData(t *testing.T) {
	b, err := Encode(Message{Cmd: PushGetBadge})
	if err != nil {
		t.Fatal(err)
	}
	if string(b) != `{"cmd":"GetBadge","data":null}` {
		t.Errorf("got %s", b)
	}
}

func TestDecodeData(t *testing.T) {
	var ids []int
	if err := DecodeData(json.RawMessage(`[1,2]`), &ids); err != nil {
		t.Fatal(err)
	}
	if len(ids) != 2 {
		t.Fatalf("ids = %v", ids)
	}

	keep := []int{9}
	if err := DecodeData(nil, &keep); err != nil || keep[0] != 9 {
		t.Fatalf("absent payload changed target: %v %v", keep, err)
	}
	if err := DecodeData(json.RawMessage(`"x"`), &ids); err == nil {
		t.Fatal("expected type error")
	}
}

func TestTabSourceTopFrame(t *testing.T) {
	top := TabSource{ID: "f1", URL: "https://a.test/", Tab: Tab{ID: 4, URL: "https://a.test/"}}
	sub := TabSource{ID: "f2", URL: "https://ads.test/frame", Tab: Tab{ID: 4, URL: "https://a.test/"}}
	if !top.IsTopFrame() {
		t.Error("top frame not detected")
	}
	if sub.IsTopFrame() {
		t.Error("sub-frame reported as top frame")
	}

	var s Source = OtherSource{ID: "popup"}
	if s.SourceID() != "popup" {
		t.Errorf("SourceID() = %q", s.SourceID())
	}
}
