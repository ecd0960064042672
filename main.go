package main

import (
	"context"
	"flag"
	"fmt"
	"image"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/gorilla/websocket"

	"microscope-core/internal/autofocus"
	"microscope-core/internal/axis"
	"microscope-core/internal/config"
	"microscope-core/internal/corelog"
	"microscope-core/internal/motion"
	"microscope-core/internal/pinio"
	"microscope-core/internal/position"
	"microscope-core/internal/recorder"
	"microscope-core/internal/session"
	"microscope-core/internal/video"
)

// Version information - set by linker flags during build
var (
	Version   = "dev"
	BuildTime = "unknown"
	GoVersion = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "Show version information")
	flag.BoolVar(showVersion, "v", false, "Show version information (shorthand)")
	settingsPath := flag.String("settings", "settings.ini", "Path to the settings document")
	calibrationPath := flag.String("calibration", "calibration.ini", "Path to the axis calibration document")
	logPath := flag.String("log", "microscope-core.log", "Path to the rotating log file")
	addr := flag.String("addr", ":8765", "Address to serve the session websocket on")
	simulate := flag.Bool("sim", true, "Drive simulated pin I/O and sensors instead of real hardware")
	flag.Parse()

	if *showVersion {
		fmt.Printf("Microscope Control Core %s\n", Version)
		fmt.Printf("  Build time: %s\n", BuildTime)
		fmt.Printf("  Go version: %s\n", GoVersion)
		fmt.Printf("  Platform:   %s/%s\n", runtime.GOOS, runtime.GOARCH)
		os.Exit(0)
	}

	log, logCleanup, err := corelog.New(corelog.Options{
		File: *logPath, MaxBytes: 10 * 1024 * 1024, BackupCount: 5, ToStdout: true, Level: "info",
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "logging setup failed: %v\n", err)
		os.Exit(1)
	}
	defer logCleanup()

	log.Infow("starting", "version", Version, "build_time", BuildTime)

	settings, err := config.LoadSettings(*settingsPath)
	if err != nil {
		log.Warnw("settings load failed, using defaults", "error", err)
		settings = config.DefaultSettings()
	}
	calibration, err := config.LoadAxisCalibration(*calibrationPath)
	if err != nil {
		log.Warnw("calibration load failed, using defaults", "error", err)
		calibration = config.DefaultAxisCalibration()
	}

	controller, err := buildController(*simulate)
	if err != nil {
		log.Fatalw("pin controller init failed", "error", err)
	}
	defer controller.Close()

	engine, estimators := buildMotion(controller, calibration, settings)

	mainSensor := video.NewSimSensor()
	secondarySensor := video.NewSimSensor()
	mainPipeline := video.New(mainSensor, image.Pt(640, 480), image.Pt(1280, 720), log)
	secondaryPipeline := video.New(secondarySensor, image.Pt(640, 480), image.Pt(1280, 720), log)

	previewCfg := video.StartConfig{
		Width: 640, Height: 480, FramerateFPS: 15,
		ExposureUS:   int(settings.ExposureMS * 1000),
		AnalogueGain: settings.GainValue,
	}
	if err := video.StartAll(previewCfg, mainPipeline, secondaryPipeline); err != nil {
		log.Fatalw("sensor preview start failed", "error", err)
	}
	defer mainPipeline.Shutdown()
	defer secondaryPipeline.Shutdown()

	recorders := &recorder.Set{}
	mainRecorder := recorder.New(log)
	motionRecorder := recorder.NewMotion(log)

	focus := autofocus.New(engine, mainPipeline.SharpnessChan(), log)

	leds := &pwmLEDDriver{controller: controller, channels: [2]pinio.PWMChannel{0, 1}, freqHz: 1000}

	deps := session.Dependencies{
		Engine:        engine,
		AxisTelemetry: estimators,
		Sensors:       session.Sensors{Main: mainPipeline, Secondary: secondaryPipeline},
		Recorders:     recorders,
		MainRecorder:  mainRecorder,
		MotionRec:     motionRecorder,
		Focus:         focus,
		LEDs:          leds,
		Settings:      settings,
		SettingsPath:  *settingsPath,
		Log:           log,
	}

	server := &http.Server{Addr: *addr, Handler: sessionHandler(deps, log)}

	go func() {
		log.Infow("listening", "addr", *addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Errorw("server error", "error", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Infow("received signal, shutting down", "signal", sig)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = server.Shutdown(shutdownCtx)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// sessionHandler upgrades the single expected client connection and
// runs a Dispatcher over it until disconnect. One operator session at
// a time is the expected shape.
func sessionHandler(deps session.Dependencies, log interface {
	Errorw(msg string, kv ...interface{})
	Infow(msg string, kv ...interface{})
}) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Errorw("websocket upgrade failed", "error", err)
			return
		}
		log.Infow("session connected", "remote", r.RemoteAddr)
		d := session.New(conn, deps)
		if err := d.Run(r.Context()); err != nil {
			log.Infow("session ended", "remote", r.RemoteAddr, "error", err)
		}
	}
}

// pwmLEDDriver adapts pinio.Controller to session.LEDDriver.
type pwmLEDDriver struct {
	controller pinio.Controller
	channels   [2]pinio.PWMChannel
	freqHz     float64
}

func (l *pwmLEDDriver) SetLEDDuty(index int, percent float64) error {
	return l.controller.PWMConfigure(l.channels[index], l.freqHz, percent)
}

// buildController selects the pin I/O backend: the periph.io-backed
// Host for real hardware, or an in-memory Sim for development and the
// default out-of-the-box run.
func buildController(simulate bool) (pinio.Controller, error) {
	if simulate {
		return pinio.NewSim(), nil
	}
	return pinio.NewHost(defaultPinMap())
}

// defaultPinMap is the fixed compile-time board wiring table: three
// axes times four coil pins, two LED PWM channels, one I2C-attached
// 4-channel ADC.
func defaultPinMap() pinio.PinMap {
	return pinio.PinMap{
		DigitalPins: map[pinio.Pin]string{
			0: "GPIO5", 1: "GPIO6", 2: "GPIO13", 3: "GPIO19", // X
			4: "GPIO12", 5: "GPIO16", 6: "GPIO20", 7: "GPIO21", // Y
			8: "GPIO23", 9: "GPIO24", 10: "GPIO25", 11: "GPIO26", // Z
		},
		PWMPins: map[pinio.PWMChannel]string{
			0: "GPIO18", // LED 0
			1: "GPIO27", // LED 1
		},
		ADCBus:  "I2C1",
		ADCAddr: 0x48,
	}
}

// buildMotion wires the three Axis Drivers, the Motion Engine, and the
// per-axis Position Estimators from the persisted calibration and
// settings documents.
func buildMotion(controller pinio.Controller, calibration *config.AxisCalibration, settings *config.Settings) (*motion.Engine, map[motion.Tag]session.AxisTelemetry) {
	axisPins := map[motion.Tag][4]pinio.Pin{
		motion.X: {0, 1, 2, 3},
		motion.Y: {4, 5, 6, 7},
		motion.Z: {8, 9, 10, 11},
	}
	adcChannels := map[motion.Tag]pinio.ADCChannel{
		motion.X: pinio.ADCX,
		motion.Y: pinio.ADCY,
		motion.Z: pinio.ADCZ,
	}
	configAxisOf := map[motion.Tag]config.Axis{
		motion.X: config.AxisX,
		motion.Y: config.AxisY,
		motion.Z: config.AxisZ,
	}

	axisConfigs := make(map[motion.Tag]motion.AxisConfig, 3)
	telemetry := make(map[motion.Tag]session.AxisTelemetry, 3)

	for tag, pins := range axisPins {
		cax := configAxisOf[tag]
		sign := calibration.StepSign[cax]
		if sign == 0 {
			sign = 1
		}
		driver := axis.New(controller, pins, sign)

		margin := calibration.BacklashMarginSteps[cax]
		axisConfigs[tag] = motion.AxisConfig{Driver: driver, BacklashMarginSteps: margin, BacklashEnabled: margin > 0}

		stepsPerMM := settings.XYStepsPerMM
		threshold := position.ThresholdXYMM
		if tag == motion.Z {
			stepsPerMM = settings.ZStepsPerMM
			threshold = position.ThresholdZMM
		}

		estimator := position.New(calibration.Coefficients[cax], stepsPerMM)
		channel := adcChannels[tag]
		telemetry[tag] = session.AxisTelemetry{
			Estimator:          estimator,
			ReconcileThreshold: threshold,
			ReadVolts:          func() (float64, error) { return controller.ADCRead(channel) },
		}
	}

	return motion.New(axisConfigs), telemetry
}
