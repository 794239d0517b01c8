package wire

import (
	"bytes"
	"io"
	"net"
	"reflect"
	"testing"
	"time"
)

func TestReadPacket(t *testing.T) {
	tests := []struct {
		name    string
		data    []byte
		want    *Message
		wantErr bool
	}{
		{"simple", []byte{0, 0, 0, 1, 'b'}, &Message{Code: 'b', Data: []byte{}}, false},
		{"with data", []byte{0, 0, 0, 4, 't', 'e', 's', 't'}, &Message{Code: 't', Data: []byte("est")}, false},
		{"empty packet", []byte{0, 0, 0, 0}, nil, true},
		{"too big", []byte{0x40, 0, 0, 0}, nil, true},
		{"short", []byte{0, 0, 0, 4, 't'}, nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, server := net.Pipe()
			defer client.Close()
			go func() {
				_, _ = server.Write(tt.data)
				_ = server.Close()
			}()
			got, err := ReadPacket(client, time.Second)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ReadPacket() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.want != nil && (got.Code != tt.want.Code || !bytes.Equal(got.Data, tt.want.Data)) {
				t.Errorf("ReadPacket() got = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestReadPacket_Timeout(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()
	if _, err := ReadPacket(client, 50*time.Millisecond); err == nil {
		t.Fatal("ReadPacket() expected timeout error")
	}
}

func TestWritePacket(t *testing.T) {
	tests := []struct {
		name    string
		msg     *Message
		want    []byte
		wantErr bool
	}{
		{"single", &Message{Code: 'a'}, []byte{0, 0, 0, 1, 'a'}, false},
		{"data", &Message{Code: 'y', Data: []byte{'a', 0}}, []byte{0, 0, 0, 3, 'y', 'a', 0}, false},
		{"nil", nil, nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, server := net.Pipe()
			read := make(chan []byte)
			go func() {
				data, _ := io.ReadAll(server)
				read <- data
			}()
			err := WritePacket(client, tt.msg, time.Second)
			_ = client.Close()
			got := <-read
			if (err != nil) != tt.wantErr {
				t.Fatalf("WritePacket() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && !bytes.Equal(got, tt.want) {
				t.Errorf("WritePacket() wrote %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDecodeCStrings(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		want []string
	}{
		{"single", []byte("one\x00"), []string{"one"}},
		{"two", []byte("one\x00two\x00"), []string{"one", "two"}},
		{"last empty", []byte("one\x00\x00"), []string{"one", ""}},
		{"nil", nil, nil},
		{"missing last null", []byte("one"), []string{"one"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DecodeCStrings(tt.data); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("DecodeCStrings() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestReadCString(t *testing.T) {
	if got := ReadCString([]byte("host\x00rest")); got != "host" {
		t.Errorf("ReadCString() = %q", got)
	}
	if got := ReadCString([]byte("host")); got != "host" {
		t.Errorf("ReadCString() = %q", got)
	}
	if got := string(AppendCString([]byte("a\x00"), "b")); got != "a\x00b\x00" {
		t.Errorf("AppendCString() = %q", got)
	}
}
