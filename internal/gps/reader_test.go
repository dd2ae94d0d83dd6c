package gps

import (
	"math"
	"testing"
	"time"

	gpsd "github.com/stratoberry/go-gpsd"
	"github.com/stretchr/testify/suite"
	"go.uber.org/zap"
)

type ReaderTestSuite struct {
	suite.Suite
	reader *Reader
}

func (s *ReaderTestSuite) SetupTest() {
	s.reader = &Reader{
		fix:    Fix{Time: math.NaN(), Lat: math.NaN(), Lon: math.NaN()},
		logger: zap.NewNop(),
	}
}

func (s *ReaderTestSuite) TestNoFixBeforeFirstReport() {
	_, ok := s.reader.ReadFix()
	s.False(ok)
}

func (s *ReaderTestSuite) TestThreeDimensionalFix() {
	s.reader.handleTPV(&gpsd.TPVReport{
		Mode: 3,
		Time: time.Unix(100, 0),
		Lat:  1.5,
		Lon:  2.5,
	})

	fix, ok := s.reader.ReadFix()
	s.True(ok)
	s.Equal(1.5, fix.Lat)
	s.Equal(2.5, fix.Lon)
	s.Equal(float64(100), fix.Time)
	s.Equal(3, fix.Mode)
}

func (s *ReaderTestSuite) TestNoFixModeRejected() {
	s.reader.handleTPV(&gpsd.TPVReport{
		Mode: 1,
		Time: time.Unix(100, 0),
		Lat:  1.5,
		Lon:  2.5,
	})

	_, ok := s.reader.ReadFix()
	s.False(ok)
}

func (s *ReaderTestSuite) TestMissingTimeRejected() {
	s.reader.handleTPV(&gpsd.TPVReport{
		Mode: 2,
		Lat:  1.5,
		Lon:  2.5,
	})

	fix, ok := s.reader.ReadFix()
	s.False(ok)
	s.True(math.IsNaN(fix.Time))
}

func (s *ReaderTestSuite) TestNaNCoordinateRejected() {
	s.reader.handleTPV(&gpsd.TPVReport{
		Mode: 3,
		Time: time.Unix(100, 0),
		Lat:  math.NaN(),
		Lon:  2.5,
	})

	_, ok := s.reader.ReadFix()
	s.False(ok)
}

func (s *ReaderTestSuite) TestLatestReportWins() {
	s.reader.handleTPV(&gpsd.TPVReport{Mode: 3, Time: time.Unix(100, 0), Lat: 1, Lon: 2})
	s.reader.handleTPV(&gpsd.TPVReport{Mode: 3, Time: time.Unix(200, 0), Lat: 3, Lon: 4})

	fix, ok := s.reader.ReadFix()
	s.True(ok)
	s.Equal(float64(200), fix.Time)
	s.Equal(float64(3), fix.Lat)
}

func (s *ReaderTestSuite) TestNonTPVReportIgnored() {
	s.reader.handleTPV(&gpsd.SKYReport{})
	_, ok := s.reader.ReadFix()
	s.False(ok)
}

func TestReaderTestSuite(t *testing.T) {
	suite.Run(t, new(ReaderTestSuite))
}
