package main

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/mabuchilab/instrbind/httpapi"
	"github.com/mabuchilab/instrbind/pco"
	"github.com/mabuchilab/instrbind/pvcam"
	"github.com/mabuchilab/instrbind/tsi"
)

// The driver packages expose vendor-shaped acquisition APIs; these shims
// level them into the single-frame httpapi.Camera interface and track the
// programmed exposure, which none of the vendor libraries read back.

type pcoShim struct {
	mu  sync.Mutex
	cam *pco.Camera
	exp time.Duration
}

func openPCO(camera string, exp time.Duration) (httpapi.Camera, closer, error) {
	n, err := strconv.Atoi(camera)
	if err != nil {
		return nil, nil, fmt.Errorf("pco camera must be an index: %w", err)
	}
	cam, err := pco.Open(uint16(n))
	if err != nil {
		return nil, nil, err
	}
	s := &pcoShim{cam: cam}
	if err := s.SetExposureTime(exp); err != nil {
		cam.Close()
		return nil, nil, err
	}
	return s, cam, nil
}

func (s *pcoShim) SetExposureTime(d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.cam.SetExposure(d); err != nil {
		return err
	}
	if err := s.cam.Arm(); err != nil {
		return err
	}
	s.exp = d
	return nil
}

func (s *pcoShim) GetExposureTime() (time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exp, nil
}

func (s *pcoShim) GetFrame(ctx context.Context) ([]uint16, int, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	timeout := 10 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		timeout = time.Until(dl)
	}
	pix, err := s.cam.GetFrame(timeout)
	if err != nil {
		return nil, 0, 0, err
	}
	return pix, s.cam.Width(), s.cam.Height(), nil
}

type pixelflyShim struct {
	mu    sync.Mutex
	board *pco.Board
	exp   time.Duration
}

func openPixelFly(camera string, exp time.Duration) (httpapi.Camera, closer, error) {
	n, err := strconv.Atoi(camera)
	if err != nil {
		return nil, nil, fmt.Errorf("pixelfly camera must be a board index: %w", err)
	}
	board, err := pco.OpenBoard(n)
	if err != nil {
		return nil, nil, err
	}
	s := &pixelflyShim{board: board}
	if err := s.SetExposureTime(exp); err != nil {
		board.Close()
		return nil, nil, err
	}
	if err := board.Start(); err != nil {
		board.Close()
		return nil, nil, err
	}
	return s, board, nil
}

func (s *pixelflyShim) SetExposureTime(d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.board.SetExposure(d, 1, 1); err != nil {
		return err
	}
	s.exp = d
	return nil
}

func (s *pixelflyShim) GetExposureTime() (time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exp, nil
}

func (s *pixelflyShim) GetFrame(ctx context.Context) ([]uint16, int, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pix, err := s.board.GetFrame(ctx)
	if err != nil {
		return nil, 0, 0, err
	}
	return pix, s.board.Width(), s.board.Height(), nil
}

type pvcamShim struct {
	mu  sync.Mutex
	cam *pvcam.Camera
	rgn pvcam.Region
	exp time.Duration
}

func openPVCAM(camera string, exp time.Duration) (httpapi.Camera, closer, error) {
	name := camera
	if name == "auto" {
		names, err := pvcam.List()
		if err != nil {
			return nil, nil, err
		}
		if len(names) == 0 {
			return nil, nil, fmt.Errorf("pvcam found no cameras")
		}
		name = names[0]
	}
	cam, err := pvcam.Open(name)
	if err != nil {
		return nil, nil, err
	}
	w, h, err := cam.SensorSize()
	if err != nil {
		cam.Close()
		return nil, nil, err
	}
	return &pvcamShim{
		cam: cam,
		exp: exp,
		rgn: pvcam.Region{S1: 0, S2: uint16(w - 1), SBin: 1, P1: 0, P2: uint16(h - 1), PBin: 1},
	}, cam, nil
}

func (s *pvcamShim) SetExposureTime(d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.exp = d
	return nil
}

func (s *pvcamShim) GetExposureTime() (time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exp, nil
}

func (s *pvcamShim) GetFrame(ctx context.Context) ([]uint16, int, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pix, err := s.cam.GetFrame(ctx, s.rgn, s.exp)
	if err != nil {
		return nil, 0, 0, err
	}
	width := int(s.rgn.S2-s.rgn.S1+1) / int(s.rgn.SBin)
	height := int(s.rgn.P2-s.rgn.P1+1) / int(s.rgn.PBin)
	return pix, width, height, nil
}

type tsiShim struct {
	mu  sync.Mutex
	sdk *tsi.SDK
	cam *tsi.Camera
	exp time.Duration
}

// tsiCloser shuts the camera down before the SDK object.
type tsiCloser struct {
	sdk *tsi.SDK
	cam *tsi.Camera
}

func (c tsiCloser) Close() error {
	err := c.cam.Close()
	if serr := c.sdk.Close(); err == nil {
		err = serr
	}
	return err
}

func openTSI(camera string, exp time.Duration) (httpapi.Camera, closer, error) {
	n, err := strconv.Atoi(camera)
	if err != nil {
		return nil, nil, fmt.Errorf("tsi camera must be an index: %w", err)
	}
	sdk, err := tsi.OpenSDK()
	if err != nil {
		return nil, nil, err
	}
	cam, err := sdk.OpenCamera(n)
	if err != nil {
		sdk.Close()
		return nil, nil, err
	}
	s := &tsiShim{sdk: sdk, cam: cam}
	if err := s.SetExposureTime(exp); err != nil {
		cam.Close()
		sdk.Close()
		return nil, nil, err
	}
	return s, tsiCloser{sdk: sdk, cam: cam}, nil
}

func (s *tsiShim) SetExposureTime(d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.cam.SetExposure(d); err != nil {
		return err
	}
	s.exp = d
	return nil
}

func (s *tsiShim) GetExposureTime() (time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exp, nil
}

func (s *tsiShim) GetFrame(ctx context.Context) ([]uint16, int, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cam.GetFrame(ctx)
}
