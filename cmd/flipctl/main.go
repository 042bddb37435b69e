// flipctl drives Thorlabs Kinesis devices from the command line: filter
// flippers and TDC001 motor cubes.
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/theckman/yacspin"

	"github.com/mabuchilab/instrbind/httpapi"
	"github.com/mabuchilab/instrbind/kinesis"
)

// Version is the version number.  Typically injected via ldflags with git build
var Version = "1"

func usage() {
	str := `flipctl drives Thorlabs Kinesis devices from the command line.

Usage:
	flipctl list
	flipctl flip   <serial>
	flipctl pos    <serial>
	flipctl moveto <serial> <1|2>
	flipctl home   <serial>
	flipctl stage-move <serial> <position>
	flipctl stage-home <serial>
	flipctl serve  <serial> [addr]
	flipctl version

Serial numbers beginning with 37 are filter flippers; 83 are TDC001 cubes.
The Kinesis DLLs are located through THORLABS_FF_DLL and THORLABS_TDC_DLL
when they are not on the default loader path.`
	fmt.Println(str)
}

// spin runs fn behind a terminal spinner with the given message.
func spin(msg string, fn func() error) error {
	s, err := yacspin.New(yacspin.Config{
		Frequency:     100 * time.Millisecond,
		CharSet:       yacspin.CharSets[59],
		Suffix:        " " + msg,
		StopCharacter: "✓",
		StopColors:    []string{"fgGreen"},
	})
	if err != nil {
		// no terminal niceties, just do the work
		return fn()
	}
	s.Start()
	err = fn()
	if err != nil {
		s.StopFail()
		return err
	}
	s.Stop()
	return nil
}

func list() {
	found := false
	for fam, typeID := range map[string]int{
		"FilterFlipper": kinesis.FilterFlipperType,
		"TDC001":        kinesis.TDC001Type,
	} {
		devs, err := kinesis.Discover(fam, typeID)
		if err != nil {
			log.Printf("%s: %v", fam, err)
			continue
		}
		for _, d := range devs {
			fmt.Printf("%s\t%s\n", d, fam)
			found = true
		}
	}
	if !found {
		fmt.Println("no devices found")
	}
}

func withFlipper(serial string, fn func(*kinesis.Flipper) error) {
	f, err := kinesis.NewFlipper(serial)
	if err != nil {
		log.Fatal(err)
	}
	if err := f.Open(); err != nil {
		log.Fatal(err)
	}
	defer f.Close()
	if err := fn(f); err != nil {
		log.Fatal(err)
	}
}

func withStage(serial string, fn func(*kinesis.TDC001) error) {
	s, err := kinesis.NewTDC001(serial)
	if err != nil {
		log.Fatal(err)
	}
	if err := s.Open(); err != nil {
		log.Fatal(err)
	}
	defer s.Close()
	if err := fn(s); err != nil {
		log.Fatal(err)
	}
}

// moveTimeout bounds every commanded motion from the CLI.
const moveTimeout = 30 * time.Second

func main() {
	args := os.Args
	if len(args) < 2 {
		usage()
		return
	}
	cmd := strings.ToLower(args[1])
	switch cmd {
	case "version":
		fmt.Printf("flipctl version %v\n", Version)
		return
	case "list":
		list()
		return
	case "help":
		usage()
		return
	}
	if len(args) < 3 {
		usage()
		os.Exit(2)
	}
	serial := args[2]
	ctx := context.Background()
	switch cmd {
	case "pos":
		withFlipper(serial, func(f *kinesis.Flipper) error {
			p, err := f.GetPosition()
			if err != nil {
				return err
			}
			fmt.Println(int(p))
			return nil
		})
	case "flip":
		withFlipper(serial, func(f *kinesis.Flipper) error {
			return spin("flipping", func() error { return f.Flip(ctx, moveTimeout) })
		})
	case "moveto":
		if len(args) < 4 {
			usage()
			os.Exit(2)
		}
		p, err := strconv.Atoi(args[3])
		if err != nil || (p != 1 && p != 2) {
			log.Fatal("position must be 1 or 2")
		}
		withFlipper(serial, func(f *kinesis.Flipper) error {
			return spin(fmt.Sprintf("moving to %d", p), func() error {
				return f.MoveAndWait(ctx, kinesis.Position(p), moveTimeout)
			})
		})
	case "home":
		withFlipper(serial, func(f *kinesis.Flipper) error {
			return spin("homing", f.Home)
		})
	case "stage-move":
		if len(args) < 4 {
			usage()
			os.Exit(2)
		}
		p, err := strconv.Atoi(args[3])
		if err != nil {
			log.Fatal("position must be an integer in device units")
		}
		withStage(serial, func(s *kinesis.TDC001) error {
			return spin(fmt.Sprintf("moving to %d", p), func() error {
				return s.MoveAndWait(ctx, int32(p), moveTimeout)
			})
		})
	case "stage-home":
		withStage(serial, func(s *kinesis.TDC001) error {
			return spin("homing", func() error { return s.HomeAndWait(ctx, moveTimeout) })
		})
	case "serve":
		addr := ":8001"
		if len(args) > 3 {
			addr = args[3]
		}
		withFlipper(serial, func(f *kinesis.Flipper) error {
			w := httpapi.NewFlipperHTTP(kinesis.HTTPFlipper{F: f})
			log.Println("now listening for requests at ", addr)
			return http.ListenAndServe(addr, httpapi.NewMux(w))
		})
	default:
		log.Fatal("unknown command")
	}
}
