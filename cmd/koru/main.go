// Command koru renders a shadowed spinning cube through the render graph.
//
// Configuration is read from .env files and KORU_* variables, see
// core.LoadConfiguration. With KORU_API=vulkan the frames are presented
// into an SDL window, with KORU_API=headless they are rendered offscreen
// until the process is interrupted.
package main

//go:generate glslangValidator -V shaders/mesh.vert -o shaders/mesh.vert.spv
//go:generate glslangValidator -V shaders/mesh.frag -o shaders/mesh.frag.spv
//go:generate glslangValidator -V shaders/shadow.vert -o shaders/shadow.vert.spv

import (
	"flag"
	"runtime"

	log "github.com/sirupsen/logrus"
	"github.com/veandco/go-sdl2/sdl"
	"github.com/xlab/closer"

	"github.com/koru3d/koru/core"
	"github.com/koru3d/koru/gfx"
	_ "github.com/koru3d/koru/gfx/headless"
	_ "github.com/koru3d/koru/gfx/vulkan"
)

func init() {
	runtime.LockOSThread()
}

var envFile = flag.String("env", "", "configuration file to load instead of ./.env")

func main() {
	flag.Parse()
	var files []string
	if *envFile != "" {
		files = append(files, *envFile)
	}
	cfg, err := core.LoadConfiguration(files...)
	if err != nil {
		log.Fatalln("configuration:", err)
	}
	logger, err := cfg.Logger()
	if err != nil {
		log.Fatalln(err)
	}
	gfx.SetLogger(logger)

	var (
		surface gfx.Surface
		win     window
	)
	if cfg.Renderer.API == gfx.APIVulkan {
		if err := sdl.Init(sdl.INIT_VIDEO | sdl.INIT_EVENTS); err != nil {
			logger.Fatalln(err)
		}
		closer.Bind(sdl.Quit)
		if err := sdl.VulkanLoadLibrary(""); err != nil {
			logger.Fatalln(err)
		}
		closer.Bind(sdl.VulkanUnloadLibrary)
		if win, err = newWindow("Koru3D", cfg.Renderer.ScreenWidth, cfg.Renderer.ScreenHeight); err != nil {
			logger.Fatalln(err)
		}
		closer.Bind(func() { win.Destroy() })
		surface = win
	}

	src, closeSource, err := shaderSource(cfg.ShaderDirectory)
	if err != nil {
		logger.Fatalln("shaders:", err)
	}
	closer.Bind(closeSource)

	renderer := core.NewRenderer(surface, cfg.Renderer.ScreenWidth, cfg.Renderer.ScreenHeight, cfg.Renderer)
	closer.Bind(renderer.Dispose)

	clock := core.NewTime(cfg.Time)
	closer.Bind(clock.Stop)

	sc, err := newScene(renderer, clock, src)
	if err != nil {
		logger.WithError(err).Error("scene")
		closer.Exit(1)
	}

	run(logger, renderer, sc, clock, win)
	closer.Close()
}

// run renders on every tick of the frame ticker and polls window events
// on the event ticker until the window is closed.
func run(logger *log.Logger, r *core.Renderer, sc *scene, clock *core.Time, win window) {
	exitC := make(chan struct{}, 2)
	resized := false

EventLoop:
	for {
		select {
		case <-exitC:
			logger.Info("event loop exited")
			break EventLoop
		case <-clock.EventTicker().C:
			if win.Window == nil {
				continue
			}
			for event := sdl.PollEvent(); event != nil; event = sdl.PollEvent() {
				switch et := event.(type) {
				case *sdl.KeyboardEvent:
					if et.Keysym.Sym == sdl.K_ESCAPE {
						exitC <- struct{}{}
						continue EventLoop
					}
				case *sdl.WindowEvent:
					if et.Event == sdl.WINDOWEVENT_RESIZED || et.Event == sdl.WINDOWEVENT_SIZE_CHANGED {
						resized = true
					}
				case *sdl.QuitEvent:
					exitC <- struct{}{}
					continue EventLoop
				}
			}
		case <-clock.FpsTicker().C:
			if err := r.UpdateRenderer(resized); err != nil {
				logger.WithError(err).Error("update renderer")
				exitC <- struct{}{}
				continue EventLoop
			}
			resized = false
			if r.Invalidated() {
				continue
			}
			if err := sc.render(); err != nil {
				logger.WithError(err).Error("render")
				exitC <- struct{}{}
				continue EventLoop
			}
		}
	}

	stats := r.Stats()
	logger.WithFields(log.Fields{
		"frames":      stats.Frames,
		"skipped":     stats.Skipped,
		"failed":      stats.Failed,
		"recreations": stats.Recreations,
	}).Info("done")
}
