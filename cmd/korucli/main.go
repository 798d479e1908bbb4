// Command korucli prints the devices a rendering backend can open as
// JSON. With -frames it instead renders that many offscreen frames that
// clear the swapchain and prints the renderer statistics.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"

	"github.com/koru3d/koru/core"
	"github.com/koru3d/koru/gfx"
	_ "github.com/koru3d/koru/gfx/headless"
	"github.com/koru3d/koru/gfx/vulkan"
	"github.com/koru3d/koru/graph"
)

var (
	api      = flag.String("api", string(gfx.APIVulkan), "Backend to query")
	backends = flag.Bool("backends", false, "List the registered backends instead")
	indent   = flag.Bool("indent", false, "Indent the output")
	frames   = flag.Int("frames", 0, "Render this many frames and print the renderer statistics")
)

func main() {
	flag.Parse()

	var v interface{}
	switch {
	case *backends:
		v = gfx.Backends()
	case *frames > 0:
		stats, err := render(gfx.API(*api), *frames)
		if err != nil {
			log.Fatalln(err)
		}
		v = stats
	default:
		infos, err := devices(gfx.API(*api))
		if err != nil {
			log.Fatalln(err)
		}
		v = infos
	}
	if err := write(os.Stdout, v); err != nil {
		log.Fatalln(err)
	}
}

// devices lists every physical device for vulkan. Other backends are
// opened offscreen and report their single device.
func devices(api gfx.API) ([]gfx.DeviceInfo, error) {
	if api == gfx.APIVulkan {
		return vulkan.Devices()
	}
	b, err := gfx.Lookup(api)
	if err != nil {
		return nil, err
	}
	dev, err := b.Open(nil, gfx.DeviceConfig{AppName: "korucli"})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", api, err)
	}
	defer dev.Dispose()
	return []gfx.DeviceInfo{dev.Info()}, nil
}

// render clears the swapchain of an offscreen renderer n times.
func render(api gfx.API, n int) (core.Stats, error) {
	cfg := core.DefaultConfiguration.Renderer
	cfg.API = api
	cfg.AppName = "korucli"
	r := core.NewRenderer(nil, cfg.ScreenWidth, cfg.ScreenHeight, cfg)
	defer r.Dispose()

	target := gfx.RenderTarget{Color: []gfx.Texture{r.Swapchain()}}
	clearPass, err := core.NewGraphicsPass(r.Device(), r, "ClearPass", 0,
		func(p *core.GraphicsPass, f graph.Frame) error {
			w, h := r.Chain().Extent()
			p.StartRendering(target, 1, w, h, true, gfx.Color{B: 1, A: 1})
			p.EndRendering()
			return nil
		},
		graph.On(r.Swapchain(), graph.WriteTarget|graph.Present),
	)
	if err != nil {
		return core.Stats{}, err
	}
	g := graph.New()
	g.AddPasses(clearPass)
	g.SetTargetPass(clearPass)
	for i := 0; i < n; i++ {
		if err := r.UpdateRenderer(false); err != nil {
			return r.Stats(), err
		}
		if err := r.Render(g); err != nil {
			return r.Stats(), err
		}
	}
	r.WaitForDevice()
	return r.Stats(), nil
}

func write(f *os.File, v interface{}) error {
	enc := json.NewEncoder(f)
	if *indent {
		enc.SetIndent("", "  ")
	}
	return enc.Encode(v)
}
