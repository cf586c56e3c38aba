package wire

import (
	"bytes"
	"testing"

	"github.com/kstaniek/go-fedchat-server/internal/chat"
)

// FuzzU128RoundTrip ensures every decodable integer keeps its value through
// a re-encode and re-decode, and that no input panics the decoder. The
// decoder accepts non-minimal widths, so the re-encoded bytes may be
// shorter than the input.
func FuzzU128RoundTrip(f *testing.F) {
	f.Add([]byte{0})
	f.Add([]byte{250})
	f.Add([]byte{251, 251, 0})
	f.Add([]byte{252, 0, 0, 1, 0})
	f.Add([]byte{254, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16})
	f.Add([]byte{255})
	f.Fuzz(func(t *testing.T, data []byte) {
		v, err := ReadU128(bytes.NewReader(data))
		if err != nil {
			return
		}
		var buf bytes.Buffer
		if err := WriteU128(&buf, v); err != nil {
			t.Fatalf("re-encode %v: %v", v, err)
		}
		back, err := ReadU128(bytes.NewReader(buf.Bytes()))
		if err != nil || back != v {
			t.Fatalf("re-decode %v: %v (err %v)", v, back, err)
		}
	})
}

// FuzzDecodeNoPanic feeds arbitrary bytes to every top-level decoder.
func FuzzDecodeNoPanic(f *testing.F) {
	var seedText bytes.Buffer
	_ = WriteClientMessage(&seedText, chat.Text{Dest: chat.ClientId{}, Content: "hi"})
	f.Add(seedText.Bytes())
	var seedAnnounce bytes.Buffer
	_ = WriteServerMessage(&seedAnnounce, chat.Announce{
		Route:   []chat.ServerId{{}},
		Clients: map[chat.ClientId]string{{}: "x"},
	})
	f.Add(seedAnnounce.Bytes())
	f.Add([]byte{1, 16})
	f.Add([]byte{255, 255, 255})
	f.Fuzz(func(t *testing.T, data []byte) {
		_, _ = ReadClientMessage(bytes.NewReader(data))
		_, _ = ReadServerMessage(bytes.NewReader(data))
		_, _ = ReadClientQuery(bytes.NewReader(data))
		_, _ = ReadClientReplies(bytes.NewReader(data))
		_, _ = ReadClientPollReply(bytes.NewReader(data))
		_, _ = ReadAuthMessage(bytes.NewReader(data))
		_, _ = ReadUserList(bytes.NewReader(data))
		_, _ = ReadSequence(bytes.NewReader(data), ReadClientQuery)
	})
}
