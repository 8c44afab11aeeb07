package device

import (
	"testing"

	"github.com/MrWong99/framesync/pkg/media"
)

func TestCapabilities(t *testing.T) {
	t.Parallel()

	caps := Capabilities{
		Features: FeatureGenlock | FeatureInputFormatDetection,
		Output: map[ConnectionType][]ModeSupport{
			ConnectionSDI: {{Mode: media.ModeHD1080p25, Formats: []media.PixelFormat{media.Format8BitYUV}}},
		},
		Input: map[ConnectionType][]ModeSupport{
			ConnectionHDMI: AllModes(media.Format8BitYUV, media.Format10BitYUV),
		},
	}

	if !caps.Has(FeatureGenlock) || caps.Has(FeatureGenlock|FeatureHDRMetadata) {
		t.Error("Has reported wrong features")
	}
	if !caps.SupportsOutput(ConnectionSDI, media.ModeHD1080p25, media.Format8BitYUV) {
		t.Error("expected 1080p25 UYVY output on SDI")
	}
	if caps.SupportsOutput(ConnectionSDI, media.ModeHD1080p25, media.Format10BitYUV) {
		t.Error("unexpected v210 output support")
	}
	if caps.SupportsOutput(ConnectionHDMI, media.ModeHD1080p25, media.Format8BitYUV) {
		t.Error("unexpected HDMI output support")
	}
	if !caps.SupportsInput(ConnectionHDMI, media.ModePAL, media.Format10BitYUV) {
		t.Error("expected PAL v210 input on HDMI")
	}
}

func TestParseConnection(t *testing.T) {
	t.Parallel()

	c, err := ParseConnection("optical-sdi")
	if err != nil || c != ConnectionOpticalSDI {
		t.Fatalf("ParseConnection = %v, %v", c, err)
	}
	if c.String() != "optical-sdi" {
		t.Errorf("String = %q", c.String())
	}
	if _, err := ParseConnection("usb"); err == nil {
		t.Error("expected error")
	}
}
