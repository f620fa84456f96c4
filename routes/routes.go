package routes

import (
	"context"
	"errors"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"

	"github.com/Nxdus/asf-fieldmap/app"
	"github.com/Nxdus/asf-fieldmap/geocode"
	"github.com/Nxdus/asf-fieldmap/mapview"
	"github.com/Nxdus/asf-fieldmap/services"
	"github.com/Nxdus/asf-fieldmap/session"
)

const (
	SessionCookie  = "asf_session"
	maxImageSize   = 10 << 20
	localWorkspace = "workspace"
)

// RegisterRoutes mounts the map and gallery views and the JSON API. rdb may
// be nil when Redis is not configured.
func RegisterRoutes(router *fiber.App, console *app.App, rdb *redis.Client) {
	cfg := console.Config()

	router.Get("/", func(c *fiber.Ctx) error {
		return sendPage(c, mapview.PageData{PollIntervalMs: cfg.Poll.Interval.Milliseconds()})
	})

	router.Get("/gallery", func(c *fiber.Ctx) error {
		return sendPage(c, mapview.PageData{Gallery: true})
	})

	router.Get("/v1/health", func(c *fiber.Ctx) error {
		status := console.Status()
		if rdb == nil {
			return c.JSON(fiber.Map{"status": "ok", "redis": "disabled", "console": status})
		}

		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()

		if err := rdb.Ping(ctx).Err(); err != nil {
			return c.Status(503).JSON(fiber.Map{"redis": "down", "console": status})
		}
		return c.JSON(fiber.Map{"status": "ok", "redis": "up", "console": status})
	})

	api := router.Group("/api")

	api.Get("/map", func(c *fiber.Ctx) error {
		return c.JSON(console.MapView())
	})

	api.Get("/cases", func(c *fiber.Ctx) error {
		items := console.Cases()
		return c.JSON(fiber.Map{
			"count": len(items),
			"items": items,
		})
	})

	api.Get("/priority", func(c *fiber.Ctx) error {
		items := console.Priorities(c.Query("priority_level"), 0)

		limit := len(items)
		if q := strings.TrimSpace(c.Query("limit")); q != "" {
			if n, err := strconv.Atoi(q); err == nil && n > 0 && n < limit {
				limit = n
			}
		}

		return c.JSON(fiber.Map{
			"count": len(items),
			"items": items[:limit],
		})
	})

	api.Get("/stats", func(c *fiber.Ctx) error {
		counts, err := console.Stats(c.UserContext())
		if err != nil {
			return c.Status(502).JSON(fiber.Map{
				"error": err.Error(),
			})
		}
		return c.JSON(counts)
	})

	api.Get("/gallery", func(c *fiber.Ctx) error {
		images, err := console.Gallery(c.UserContext())
		if err != nil {
			return c.Status(502).JSON(fiber.Map{
				"error": err.Error(),
			})
		}
		return c.JSON(fiber.Map{
			"count": len(images),
			"items": images,
		})
	})

	ws := api.Group("", withWorkspace(console, cfg.SessionTTL))

	ws.Get("/session", func(c *fiber.Ctx) error {
		w := workspace(c)
		return c.JSON(fiber.Map{
			"session":  w.Gate.State(),
			"location": locationBody(w),
		})
	})

	ws.Post("/signin", func(c *fiber.Ctx) error {
		var req services.SignInRequest
		if err := c.BodyParser(&req); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request body"})
		}

		st, err := workspace(c).Gate.SignIn(c.UserContext(), req.Username, req.Password)
		if err != nil {
			return sessionFailure(c, err)
		}
		return c.JSON(fiber.Map{"session": st})
	})

	ws.Post("/signup", func(c *fiber.Ctx) error {
		var req services.SignUpRequest
		if err := c.BodyParser(&req); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request body"})
		}

		st, err := workspace(c).Gate.SignUp(c.UserContext(), req)
		if err != nil {
			return sessionFailure(c, err)
		}
		return c.JSON(fiber.Map{"session": st})
	})

	ws.Post("/location/input", func(c *fiber.Ctx) error {
		var req struct {
			ID string `json:"id"`
		}
		if err := c.BodyParser(&req); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request body"})
		}
		if strings.TrimSpace(req.ID) == "" {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "id is required"})
		}

		w := workspace(c)
		in := w.BindInput(strings.TrimSpace(req.ID))
		return c.JSON(fiber.Map{
			"element": in.ID(),
			"bound":   w.Binder.Bound(),
		})
	})

	ws.Get("/location", func(c *fiber.Ctx) error {
		return c.JSON(locationBody(workspace(c)))
	})

	ws.Delete("/location", func(c *fiber.Ctx) error {
		w := workspace(c)
		w.Binder.Reset()
		return c.JSON(locationBody(w))
	})

	ws.Get("/places/suggest", func(c *fiber.Ctx) error {
		widget, err := console.Widget()
		if err != nil {
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": err.Error()})
		}

		suggestions, err := widget.Suggest(c.UserContext(), c.Query("input"))
		if err != nil {
			return c.Status(502).JSON(fiber.Map{
				"error": err.Error(),
			})
		}
		return c.JSON(fiber.Map{"suggestions": suggestions})
	})

	ws.Post("/places/select", func(c *fiber.Ctx) error {
		var req struct {
			PlaceID string `json:"placeId"`
		}
		if err := c.BodyParser(&req); err != nil || strings.TrimSpace(req.PlaceID) == "" {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "placeId is required"})
		}

		w := workspace(c)
		widget, in, failed := placesTarget(c, console, w)
		if failed != nil {
			return failed
		}

		if _, err := widget.Select(c.UserContext(), in.ID(), req.PlaceID); err != nil {
			return placesFailure(c, err)
		}
		return c.JSON(locationBody(w))
	})

	ws.Post("/places/commit", func(c *fiber.Ctx) error {
		var req struct {
			Text string `json:"text"`
		}
		if err := c.BodyParser(&req); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request body"})
		}

		w := workspace(c)
		widget, in, failed := placesTarget(c, console, w)
		if failed != nil {
			return failed
		}

		if err := widget.Commit(in.ID(), req.Text); err != nil {
			return placesFailure(c, err)
		}
		return c.JSON(locationBody(w))
	})

	ws.Post("/submit", func(c *fiber.Ctx) error {
		img, err := formImage(c)
		if err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
		}

		w := workspace(c)
		pred, err := w.Gate.Submit(c.UserContext(), img, w.Binder)
		var pre *session.PreconditionError
		var sub *session.SubmissionError
		switch {
		case err == nil:
			return c.JSON(pred)
		case errors.As(err, &pre):
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": pre.Message})
		case errors.Is(err, session.ErrNoTestDetected):
			return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{"error": err.Error()})
		case errors.As(err, &sub):
			return c.Status(502).JSON(fiber.Map{"error": sub.Error()})
		default:
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
		}
	})
}

func sendPage(c *fiber.Ctx, data mapview.PageData) error {
	html, err := mapview.Page(data)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
	}
	c.Set(fiber.HeaderContentType, fiber.MIMETextHTMLCharsetUTF8)
	return c.Send(html)
}

// withWorkspace resolves the caller's workspace from the session cookie and
// issues a new cookie when the workspace is new.
func withWorkspace(console *app.App, ttl time.Duration) fiber.Handler {
	return func(c *fiber.Ctx) error {
		id := c.Cookies(SessionCookie)
		w, err := console.Workspace(c.UserContext(), id)
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
		}
		if w.ID != id {
			c.Cookie(&fiber.Cookie{
				Name:     SessionCookie,
				Value:    w.ID,
				Path:     "/",
				Expires:  time.Now().Add(ttl),
				HTTPOnly: true,
				SameSite: fiber.CookieSameSiteLaxMode,
			})
		}
		c.Locals(localWorkspace, w)
		return c.Next()
	}
}

func workspace(c *fiber.Ctx) *app.Workspace {
	return c.Locals(localWorkspace).(*app.Workspace)
}

func locationBody(w *app.Workspace) fiber.Map {
	loc, state := w.Binder.Current()
	body := fiber.Map{
		"state":     state,
		"selection": nil,
		"label":     "",
	}
	if state == geocode.SelectionSelected {
		body["selection"] = loc
	}
	if in := w.Input(); in != nil {
		body["label"] = in.Value()
	}
	return body
}

func placesTarget(c *fiber.Ctx, console *app.App, w *app.Workspace) (*geocode.PlacesWidget, *geocode.Input, error) {
	widget, err := console.Widget()
	if err != nil {
		return nil, nil, c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": err.Error()})
	}
	in := w.Input()
	if in == nil {
		return nil, nil, c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "location input not mounted"})
	}
	return widget, in, nil
}

func placesFailure(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, geocode.ErrPlaceNotFound):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": err.Error()})
	case errors.Is(err, geocode.ErrNotBound):
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": err.Error()})
	}
	return c.Status(502).JSON(fiber.Map{
		"error": err.Error(),
	})
}

func sessionFailure(c *fiber.Ctx, err error) error {
	var se *session.SessionError
	if errors.As(err, &se) {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": se.Message})
	}
	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
}

// formImage returns nil when no image was attached; Authorize reports that.
func formImage(c *fiber.Ctx) (*services.Image, error) {
	fh, err := c.FormFile("image")
	if err != nil {
		return nil, nil
	}
	if fh.Size > maxImageSize {
		return nil, errors.New("image is too large")
	}

	f, err := fh.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, maxImageSize))
	if err != nil {
		return nil, err
	}
	return &services.Image{
		Filename:    fh.Filename,
		ContentType: fh.Header.Get("Content-Type"),
		Data:        data,
	}, nil
}
