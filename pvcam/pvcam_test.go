package pvcam

import (
	"bytes"
	"testing"

	"github.com/mabuchilab/instrbind/abi"
	"github.com/mabuchilab/instrbind/marshal"
)

func TestRegionPacking(t *testing.T) {
	sd, err := abi.LookupStruct("PVCAM", "rgn_type")
	if err != nil {
		t.Fatal(err)
	}
	if sd.Size != 12 {
		t.Fatalf("rgn_type size = %d, want 12", sd.Size)
	}

	rgn := Region{S1: 0, S2: 1391, SBin: 2, P1: 0, P2: 1039, PBin: 2}
	buf, err := marshal.Pack(sd, rgn.fields())
	if err != nil {
		t.Fatal(err)
	}
	want := []byte{
		0x00, 0x00, // s1
		0x6F, 0x05, // s2 = 1391
		0x02, 0x00, // sbin
		0x00, 0x00, // p1
		0x0F, 0x04, // p2 = 1039
		0x02, 0x00, // pbin
	}
	if !bytes.Equal(buf, want) {
		t.Errorf("packed % X, want % X", buf, want)
	}
}

func TestConventions(t *testing.T) {
	fam, err := abi.LookupFamily("PVCAM")
	if err != nil {
		t.Fatal(err)
	}
	// rs_bool returns: PV_OK is 1, failure is 0 with no code attached
	if fam.Errors.Conv != abi.ConvBoolOK {
		t.Error("default convention must be bool-ok")
	}
	if err := fam.Check(abi.ConvFamily, 1); err != nil {
		t.Errorf("PV_OK must pass, got %v", err)
	}
	if err := fam.Check(abi.ConvFamily, 0); err == nil {
		t.Error("PV_FAIL must map to an error")
	}

	// the real failure code comes from a dedicated call, never a status map
	fd, err := abi.LookupFunction("PVCAM", "ErrorCode")
	if err != nil {
		t.Fatal(err)
	}
	if fd.Conv != abi.ConvValue {
		t.Error("pl_error_code returns data, not a status")
	}
}

func TestOpenDescriptor(t *testing.T) {
	fd, err := abi.LookupFunction("PVCAM", "CamOpen")
	if err != nil {
		t.Fatal(err)
	}
	var dirs = map[string]abi.Direction{}
	for _, p := range fd.Params {
		dirs[p.Name] = p.Dir
	}
	if dirs["camera_name"] != abi.ByRefIn {
		t.Error("camera_name is caller-supplied")
	}
	if dirs["hcam"] != abi.ByRefOut {
		t.Error("hcam is vendor-assigned")
	}
	if outs := fd.OutParams(); len(outs) != 1 || outs[0].Name != "hcam" {
		t.Errorf("outputs = %+v", outs)
	}
}

func TestParamIDs(t *testing.T) {
	// PARAM_SER_SIZE / PARAM_PAR_SIZE encode class, type and index; the
	// packed values come straight from pvcam.h
	if paramSerSize != 100794422 {
		t.Errorf("PARAM_SER_SIZE = %d", paramSerSize)
	}
	if paramParSize != 100794425 {
		t.Errorf("PARAM_PAR_SIZE = %d", paramParSize)
	}
}

func TestReadoutStatusCodes(t *testing.T) {
	if readoutComplete != 3 || readoutFailed != 4 {
		t.Error("readout status enum out of step with pvcam.h")
	}
}
