package pointcloud

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"

	"github.com/edaniels/golog"
	"github.com/golang/geo/r3"
	"go.viam.com/test"
)

// testCloud builds a small cloud with coordinates that are exact float32
// values, so PCD round trips can be compared exactly.
func testCloud(t *testing.T, withColor bool) *Cloud {
	t.Helper()
	pts := []r3.Vector{
		{X: 1.5, Y: -2.25, Z: 3.125},
		{X: -100.5, Y: 0.0625, Z: 42},
		{X: 0, Y: 0, Z: -0.5},
	}
	var colors []Color
	if withColor {
		colors = []Color{NewColor(255, 0, 0), NewColor(0, 255, 0), NewColor(16, 32, 64)}
	}
	cloud := NewCloud()
	test.That(t, cloud.Append(pts, colors, nil), test.ShouldBeNil)
	return cloud
}

func TestPCDRoundTrip(t *testing.T) {
	for _, tc := range []struct {
		name      string
		pcdType   PCDType
		withColor bool
	}{
		{"ascii color", PCDAscii, true},
		{"binary color", PCDBinary, true},
		{"ascii bare", PCDAscii, false},
		{"binary bare", PCDBinary, false},
	} {
		t.Run(tc.name, func(t *testing.T) {
			cloud := testCloud(t, tc.withColor)
			var buf bytes.Buffer
			test.That(t, ToPCD(cloud, &buf, tc.pcdType), test.ShouldBeNil)

			got, err := ReadPCD(&buf)
			test.That(t, err, test.ShouldBeNil)
			test.That(t, got.Len(), test.ShouldEqual, cloud.Len())
			test.That(t, got.MetaData().HasColor, test.ShouldEqual, tc.withColor)
			for i := 0; i < cloud.Len(); i++ {
				test.That(t, got.At(i), test.ShouldResemble, cloud.At(i))
			}
			if tc.withColor {
				for i := 0; i < cloud.Len(); i++ {
					test.That(t, got.Colors().At(i), test.ShouldEqual, cloud.Colors().At(i))
				}
			}
		})
	}
}

func TestReadPCDErrors(t *testing.T) {
	_, err := ReadPCD(strings.NewReader("VERSION .5\n"))
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "unsupported pcd version")

	_, err = ReadPCD(strings.NewReader("VERSION .7\nFIELDS a b c\n"))
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "unsupported pcd fields")

	header := "VERSION .7\n" +
		"FIELDS x y z\n" +
		"SIZE 4 4 4\n" +
		"TYPE F F F\n" +
		"COUNT 1 1 1\n" +
		"WIDTH 2\n" +
		"HEIGHT 1\n" +
		"VIEWPOINT 0 0 0 1 0 0 0\n" +
		"POINTS 3\n" +
		"DATA ascii\n"
	_, err = ReadPCD(strings.NewReader(header))
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "does not match WIDTH*HEIGHT")

	// Truncated binary payload.
	cloud := testCloud(t, false)
	var buf bytes.Buffer
	test.That(t, ToPCD(cloud, &buf, PCDBinary), test.ShouldBeNil)
	truncated := buf.Bytes()[:buf.Len()-4]
	_, err = ReadPCD(bytes.NewReader(truncated))
	test.That(t, err, test.ShouldNotBeNil)
}

func TestLASRoundTrip(t *testing.T) {
	logger := golog.NewTestLogger(t)

	pts := []r3.Vector{
		{X: 1.5, Y: -2.25, Z: 3.125},
		{X: -100.5, Y: 0.0625, Z: 42},
	}
	colors := []Color{NewColor(255, 0, 0), NewColor(16, 32, 64)}
	values := []float64{17, 300}
	cloud := NewCloud()
	test.That(t, cloud.Append(pts, colors, values), test.ShouldBeNil)

	fn := filepath.Join(t.TempDir(), "cloud.las")
	test.That(t, WriteToLASFile(cloud, fn), test.ShouldBeNil)

	got, err := NewCloudFromLASFile(fn, logger)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, got.Len(), test.ShouldEqual, cloud.Len())
	test.That(t, got.MetaData().HasColor, test.ShouldBeTrue)
	test.That(t, got.MetaData().HasValue, test.ShouldBeTrue)
	for i := 0; i < cloud.Len(); i++ {
		// LAS quantizes coordinates by the header scale factors.
		test.That(t, got.At(i).X, test.ShouldAlmostEqual, cloud.At(i).X, 0.01)
		test.That(t, got.At(i).Y, test.ShouldAlmostEqual, cloud.At(i).Y, 0.01)
		test.That(t, got.At(i).Z, test.ShouldAlmostEqual, cloud.At(i).Z, 0.01)
		test.That(t, got.Colors().At(i), test.ShouldEqual, cloud.Colors().At(i))
		test.That(t, got.Values().At(i), test.ShouldEqual, cloud.Values().At(i))
	}
}

func TestNewCloudFromFile(t *testing.T) {
	logger := golog.NewTestLogger(t)

	_, err := NewCloudFromFile("cloud.xyz", logger)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "do not know how to read")

	cloud := testCloud(t, true)
	fn := filepath.Join(t.TempDir(), "cloud.pcd")
	test.That(t, WriteToPCDFile(cloud, fn, PCDBinary), test.ShouldBeNil)

	got, err := NewCloudFromFile(fn, logger)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, got.Len(), test.ShouldEqual, cloud.Len())
}
