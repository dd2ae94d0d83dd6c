package wire

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/suite"
)

type WireTestSuite struct {
	suite.Suite
}

func (s *WireTestSuite) TestTGRRoundTrip() {
	in := TGR{Tsp: 1700000000}
	b := EncodeTGR(in)
	s.Len(b, TGRSize)

	out, err := DecodeTGR(b)
	s.Require().NoError(err)
	s.Equal(in, out)
	s.Equal(OK, ValidateTGR(b))
}

func (s *WireTestSuite) TestCTLRoundTrip() {
	in := CTL{Control: ControlOnline, UPort: 7001, MPort: 7002, BPort: 7003, Name: "C1"}
	b, err := EncodeCTL(in)
	s.Require().NoError(err)
	s.Len(b, CTLSize)

	out, err := DecodeCTL(b)
	s.Require().NoError(err)
	s.Equal(in, out)
	s.Equal(OK, ValidateCTL(b))
}

func (s *WireTestSuite) TestACKRoundTrip() {
	in := ACK{Name: "C1", Latitude: "1.500000", Longitude: "2.500000", Tsp: 100}
	b, err := EncodeACK(in)
	s.Require().NoError(err)
	s.Len(b, ACKSize)

	out, err := DecodeACK(b)
	s.Require().NoError(err)
	s.Equal(in, out)
	s.Equal(OK, ValidateACK(b))
}

func (s *WireTestSuite) TestRandomRoundTrips() {
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 200; i++ {
		tgr := TGR{Tsp: rng.Uint32()}
		got, err := DecodeTGR(EncodeTGR(tgr))
		s.Require().NoError(err)
		s.Equal(tgr, got)

		ctl := CTL{
			Control: uint16(rng.Intn(2) + 1),
			UPort:   uint16(rng.Uint32()),
			MPort:   uint16(rng.Uint32()),
			BPort:   uint16(rng.Uint32()),
			Name:    randName(rng),
		}
		b, err := EncodeCTL(ctl)
		s.Require().NoError(err)
		gotCTL, err := DecodeCTL(b)
		s.Require().NoError(err)
		s.Equal(ctl, gotCTL)
		s.Equal(OK, ValidateCTL(b))
	}
}

func randName(rng *rand.Rand) string {
	const alphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789-"
	n := rng.Intn(NameLen-1) + 1
	out := make([]byte, n)
	for i := range out {
		out[i] = alphabet[rng.Intn(len(alphabet))]
	}
	return string(out)
}

func (s *WireTestSuite) TestTGRBadHeader() {
	b := EncodeTGR(TGR{Tsp: 42})
	b[0] ^= 0xFF
	s.Equal(BadHeader, ValidateTGR(b))
}

func (s *WireTestSuite) TestTGRWrongLength() {
	b := EncodeTGR(TGR{Tsp: 42})
	s.Equal(BadHeader, ValidateTGR(b[:TGRSize-1]))

	_, err := DecodeTGR(b[:16])
	s.Error(err)
}

func (s *WireTestSuite) TestCTLBadControlCode() {
	b, err := EncodeCTL(CTL{Control: 9, Name: "C1"})
	s.Require().NoError(err)
	s.Equal(BadControlCode, ValidateCTL(b))
}

func (s *WireTestSuite) TestTGRCRCCorruption() {
	b := EncodeTGR(TGR{Tsp: 1700000000})
	// Flip one bit at a time across the first 60 bytes of the CRC-covered
	// region.
	for off := 4; off < 64; off++ {
		mut := make([]byte, len(b))
		copy(mut, b)
		mut[off] ^= 0x01
		s.Equalf(BadCRC, ValidateTGR(mut), "offset %d", off)
	}
}

func (s *WireTestSuite) TestACKCRCCorruption() {
	b, err := EncodeACK(ACK{Name: "C1", Latitude: "1.500000", Longitude: "2.500000", Tsp: 100})
	s.Require().NoError(err)
	for off := 4; off < ACKSize; off++ {
		mut := make([]byte, len(b))
		copy(mut, b)
		mut[off] ^= 0x01
		s.Equalf(BadCRC, ValidateACK(mut), "offset %d", off)
	}
}

func (s *WireTestSuite) TestEncodeRejectsOversizedFields() {
	_, err := EncodeCTL(CTL{Control: ControlOnline, Name: "exactly-16-chars"})
	s.Error(err)

	_, err = EncodeACK(ACK{Name: "C1", Latitude: "123.4567890123456", Longitude: "2.5"})
	s.Error(err)
}

func TestWireTestSuite(t *testing.T) {
	suite.Run(t, new(WireTestSuite))
}
