package dispatcher

import "testing"

func TestRefPackUnpackRoundTrip(t *testing.T) {
	cases := []Ref{
		{Type: TypeTCP, FD: 42, Payload: 12345},
		{Type: TypeUDP, FD: 0, Payload: 0},
		{Type: TypeTapListen, FD: 1<<24 - 1, Payload: 0xffffffff},
	}
	for _, want := range cases {
		got := Unpack(want.Pack())
		if got != want {
			t.Fatalf("round trip mismatch: got %+v, want %+v", got, want)
		}
	}
}

func TestListenPayloadRoundTrip(t *testing.T) {
	port, pif := uint16(8080), uint8(PifTap)
	payload := PackListenPayload(port, pif)
	gotPort, gotPif := UnpackListenPayload(payload)
	if gotPort != port || gotPif != pif {
		t.Fatalf("got (%d,%d), want (%d,%d)", gotPort, gotPif, port, pif)
	}
}
