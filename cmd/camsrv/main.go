// camsrv exposes control of scientific cameras over HTTP.
package main

import (
	"fmt"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/mabuchilab/instrbind/frameio"
	"github.com/mabuchilab/instrbind/httpapi"

	"github.com/cenkalti/backoff"
	"github.com/go-chi/chi"
	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"

	yml "gopkg.in/yaml.v2"
)

var (
	// Version is the version number.  Typically injected via ldflags with git build
	Version = "1"

	// ConfigFileName is what it sounds like
	ConfigFileName = "camsrv.yml"
	k              = koanf.New(".")
)

type recorder struct {
	// Root is the root folder to write to
	Root string `yaml:"Root"`

	// Prefix is the filename prefix to use
	Prefix string `yaml:"Prefix"`
}

type config struct {
	Addr string `yaml:"Addr"`
	Root string `yaml:"Root"`

	// Driver selects the camera family: pco, pixelfly, pvcam, or tsi
	Driver string `yaml:"Driver"`

	// Camera selects the device within the family; an index for pco,
	// pixelfly, and tsi, a PVCAM name (or "auto") for pvcam
	Camera string `yaml:"Camera"`

	// ExposureTime is the bootup exposure, parseable by time.ParseDuration
	ExposureTime string `yaml:"ExposureTime"`

	Recorder recorder `yaml:"Recorder"`
}

func setupconfig() {
	k.Load(structs.Provider(config{
		Addr:         ":8000",
		Root:         "/",
		Driver:       "pco",
		Camera:       "0",
		ExposureTime: "10ms",
		Recorder:     recorder{},
	}, "koanf"), nil)
	if err := k.Load(file.Provider(ConfigFileName), yaml.Parser()); err != nil {
		errtxt := err.Error()
		if !strings.Contains(errtxt, "no such") { // file missing, who cares
			log.Fatalf("error loading config: %v", err)
		}
	}
}

func root() {
	str := `camsrv exposes control of PCO, PixelFly, Photometrics, and Thorlabs
scientific cameras over HTTP.  This enables a server-client architecture,
and the clients can leverage the excellent HTTP libraries for any
programming language, instead of custom FFI logic.

Usage:
	camsrv <command>

Commands:
	run
	help
	mkconf
	conf
	version`
	fmt.Println(str)
}

func help() {
	str := `camsrv is amenable to configuration via its .yaml file.  For a primer
on YAML, see https://yaml.org/start.html

When no configuration is provided, the defaults are used.  The command
mkconf generates the configuration file with the default values.

The vendor library is located through the driver's environment variable
(PCO_SC2_DLL, PCO_PF_DLL, PVCAM_DLL, TSI_SDK_DLL) when it is not on the
default loader path.

Driver pvcam with Camera 'auto' causes the server to scan the available
cameras and pick the first one.`
	fmt.Println(str)
}

func mkconf() {
	c := config{}
	err := k.Unmarshal("", &c)
	if err != nil {
		log.Fatal(err)
	}
	f, err := os.Create(ConfigFileName)
	if err != nil {
		log.Fatal(err)
	}
	defer f.Close()
	err = yml.NewEncoder(f).Encode(c)
	if err != nil {
		log.Fatal(err)
	}
}

func printconf() {
	c := config{}
	err := k.Unmarshal("", &c)
	if err != nil {
		log.Fatal(err)
	}
	err = yml.NewEncoder(os.Stdout).Encode(c)
	if err != nil {
		log.Fatal(err)
	}
}

func pversion() {
	fmt.Printf("camsrv version %v\n", Version)
}

// closer pairs the HTTP-facing camera with its shutdown hook.
type closer interface {
	Close() error
}

func openCamera(cfg config) (httpapi.Camera, closer, error) {
	exp, err := time.ParseDuration(cfg.ExposureTime)
	if err != nil {
		return nil, nil, fmt.Errorf("bad ExposureTime: %w", err)
	}
	switch strings.ToLower(cfg.Driver) {
	case "pco":
		return openPCO(cfg.Camera, exp)
	case "pixelfly":
		return openPixelFly(cfg.Camera, exp)
	case "pvcam":
		return openPVCAM(cfg.Camera, exp)
	case "tsi":
		return openTSI(cfg.Camera, exp)
	default:
		return nil, nil, fmt.Errorf("unknown driver %q", cfg.Driver)
	}
}

func run() {
	cfg := config{}
	k.Unmarshal("", &cfg)

	var (
		cam httpapi.Camera
		cl  closer
	)
	// vendor libraries routinely fail to enumerate a camera that is still
	// powering up, so retry the open with exponential backoff
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 30 * time.Second
	err := backoff.Retry(func() error {
		var err error
		cam, cl, err = openCamera(cfg)
		if err != nil {
			log.Printf("camera open failed, retrying: %v", err)
		}
		return err
	}, bo)
	if err != nil {
		log.Fatal(err)
	}
	defer cl.Close()

	rec := &frameio.Recorder{Root: cfg.Recorder.Root, Prefix: cfg.Recorder.Prefix}
	if rec.Root != "" {
		rec.Enabled = true
		rec.Incr()
	}
	w := httpapi.NewCameraHTTP(cam, rec)
	w.Name = fmt.Sprintf("%s:%s", cfg.Driver, cfg.Camera)

	hndlrS := cfg.Root
	if !strings.HasPrefix(hndlrS, "/") {
		hndlrS = "/" + hndlrS
	}
	if !strings.HasSuffix(hndlrS, "/") {
		hndlrS = hndlrS + "/"
	}
	rt := chi.NewRouter()
	rt.Mount(hndlrS, http.StripPrefix(strings.TrimSuffix(hndlrS, "/"), httpapi.NewMux(w)))
	log.Println("now listening for requests at ", cfg.Addr+hndlrS)
	log.Fatal(http.ListenAndServe(cfg.Addr, rt))
}

func main() {
	args := os.Args
	if len(args) == 1 {
		root()
		return
	}
	setupconfig()
	switch strings.ToLower(args[1]) {
	case "help":
		help()
	case "mkconf":
		mkconf()
	case "conf":
		printconf()
	case "run":
		run()
	case "version":
		pversion()
	default:
		log.Fatal("unknown command")
	}
}
