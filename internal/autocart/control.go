package autocart

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ControlHandler returns the local control API: worker status, wishlist,
// push delivery, notification clicks, windows, connectivity and metrics.
func (s *Service) ControlHandler() http.Handler {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())

	reg := prometheus.NewRegistry()
	reg.MustRegister(s.stats, collectors.NewGoCollector())
	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))

	e.GET("/status", s.getStatus)

	e.GET("/catalog", s.listCatalog)
	e.GET("/catalog/categories", s.listCategories)
	e.GET("/catalog/brands", s.listBrands)
	e.GET("/catalog/:id", s.getCar)

	e.GET("/wishlist", s.getWishlist)
	e.POST("/wishlist/:id", s.addToWishlist)
	e.DELETE("/wishlist/:id", s.removeFromWishlist)
	e.DELETE("/wishlist", s.clearWishlist)

	e.POST("/subscribe", s.subscribe)
	e.POST("/push/:id", s.deliverPush)
	e.POST("/sync/:tag", s.triggerSync)

	e.GET("/notifications", s.listNotifications)
	e.POST("/notifications/:id/click", s.clickNotification)

	e.GET("/clients", s.listClients)
	e.POST("/clients", s.addClient)
	e.DELETE("/clients/:id", s.removeClient)

	e.GET("/connectivity", s.getConnectivity)
	e.PUT("/connectivity", s.setConnectivity)

	acct := e.Group("", s.requireAccount)
	acct.POST("/bookings", s.createBooking)
	acct.GET("/bookings/:user", s.listBookings)
	acct.GET("/preferences/:user", s.getPreferences)
	acct.PATCH("/preferences/:user", s.updatePreference)

	return e
}

func jsonError(c echo.Context, code int, msg string) error {
	return c.JSON(code, map[string]string{"error": msg})
}

func (s *Service) getStatus(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"generation": s.worker.ActiveGeneration(),
		"version":    s.worker.ActiveVersion(),
		"state":      s.worker.State().String(),
		"registered": CurrentRegistration() != nil,
		"online":     s.monitor.Online(),
		"wishlist":   s.wishlist.Len(),
	})
}

func (s *Service) listCatalog(c echo.Context) error {
	cars := s.catalog.All()
	if cat := c.QueryParam("category"); cat != "" {
		cars = s.catalog.ByCategory(cat)
	}
	if brand := c.QueryParam("brand"); brand != "" {
		filtered := cars[:0:0]
		for _, car := range cars {
			if strings.EqualFold(car.Brand, brand) {
				filtered = append(filtered, car)
			}
		}
		cars = filtered
	}
	return c.JSON(http.StatusOK, cars)
}

func (s *Service) listCategories(c echo.Context) error {
	return c.JSON(http.StatusOK, s.catalog.Categories())
}

func (s *Service) listBrands(c echo.Context) error {
	return c.JSON(http.StatusOK, s.catalog.Brands())
}

func (s *Service) getCar(c echo.Context) error {
	car, ok := s.catalog.ByID(c.Param("id"))
	if !ok {
		return jsonError(c, http.StatusNotFound, "car not found")
	}
	return c.JSON(http.StatusOK, car)
}

func (s *Service) getWishlist(c echo.Context) error {
	return c.JSON(http.StatusOK, s.wishlist.Items())
}

func (s *Service) addToWishlist(c echo.Context) error {
	car, ok := s.catalog.ByID(c.Param("id"))
	if !ok {
		return jsonError(c, http.StatusNotFound, "car not found")
	}
	added := s.wishlist.Add(car)
	return c.JSON(http.StatusOK, map[string]any{"added": added, "items": s.wishlist.Len()})
}

func (s *Service) removeFromWishlist(c echo.Context) error {
	removed := s.wishlist.Remove(c.Param("id"))
	return c.JSON(http.StatusOK, map[string]any{"removed": removed, "items": s.wishlist.Len()})
}

func (s *Service) clearWishlist(c echo.Context) error {
	s.wishlist.Clear()
	return c.NoContent(http.StatusNoContent)
}

func (s *Service) subscribe(c echo.Context) error {
	sub, err := SubscribeToPush(c.Request().Context())
	switch {
	case errors.Is(err, ErrNotRegistered):
		return jsonError(c, http.StatusConflict, err.Error())
	case errors.Is(err, ErrNoPushKey):
		return jsonError(c, http.StatusPreconditionFailed, err.Error())
	case err != nil:
		return jsonError(c, http.StatusBadGateway, err.Error())
	}
	return c.JSON(http.StatusCreated, sub)
}

// deliverPush hands a plaintext push payload to the worker, the way a push
// service would after decryption.
func (s *Service) deliverPush(c echo.Context) error {
	data, err := io.ReadAll(io.LimitReader(c.Request().Body, 4096))
	if err != nil {
		return jsonError(c, http.StatusBadRequest, "unreadable body")
	}
	ctx := c.Request().Context()
	if err := s.worker.Dispatch(ctx, Event{Kind: EventPush, Data: data}).Wait(ctx); err != nil {
		return jsonError(c, http.StatusInternalServerError, err.Error())
	}
	return c.NoContent(http.StatusCreated)
}

func (s *Service) triggerSync(c echo.Context) error {
	ctx := c.Request().Context()
	if err := s.worker.Dispatch(ctx, Event{Kind: EventSync, Tag: c.Param("tag")}).Wait(ctx); err != nil {
		return jsonError(c, http.StatusInternalServerError, err.Error())
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Service) listNotifications(c echo.Context) error {
	return c.JSON(http.StatusOK, s.notifications.Open())
}

type clickRequest struct {
	Action string `json:"action"`
}

func (s *Service) clickNotification(c echo.Context) error {
	n, ok := s.notifications.Get(c.Param("id"))
	if !ok {
		return jsonError(c, http.StatusNotFound, "notification not found")
	}
	var req clickRequest
	if c.Request().ContentLength != 0 {
		if err := c.Bind(&req); err != nil {
			return jsonError(c, http.StatusBadRequest, "invalid body")
		}
	}
	ctx := c.Request().Context()
	ev := Event{Kind: EventNotificationClick, Click: NotificationClick{Notification: n, Action: req.Action}}
	if err := s.worker.Dispatch(ctx, ev).Wait(ctx); err != nil {
		return jsonError(c, http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]string{"focused": s.windows.Focused()})
}

type clientView struct {
	ID      string `json:"id"`
	URL     string `json:"url"`
	Focused bool   `json:"focused"`
}

func (s *Service) listClients(c echo.Context) error {
	windows, err := s.windows.MatchAll(c.Request().Context())
	if err != nil {
		return jsonError(c, http.StatusInternalServerError, err.Error())
	}
	focused := s.windows.Focused()
	out := make([]clientView, len(windows))
	for i, w := range windows {
		out[i] = clientView{ID: w.ID(), URL: w.URL(), Focused: w.ID() == focused}
	}
	return c.JSON(http.StatusOK, out)
}

type addClientRequest struct {
	URL string `json:"url"`
}

func (s *Service) addClient(c echo.Context) error {
	var req addClientRequest
	if err := c.Bind(&req); err != nil || req.URL == "" {
		return jsonError(c, http.StatusBadRequest, "url is required")
	}
	w := s.windows.Add(req.URL)
	return c.JSON(http.StatusCreated, clientView{ID: w.ID(), URL: w.URL()})
}

func (s *Service) removeClient(c echo.Context) error {
	if !s.windows.Remove(c.Param("id")) {
		return jsonError(c, http.StatusNotFound, "client not found")
	}
	return c.NoContent(http.StatusNoContent)
}

type connectivityState struct {
	Online bool `json:"online"`
}

func (s *Service) getConnectivity(c echo.Context) error {
	return c.JSON(http.StatusOK, connectivityState{Online: s.monitor.Online()})
}

func (s *Service) setConnectivity(c echo.Context) error {
	var req connectivityState
	if err := c.Bind(&req); err != nil {
		return jsonError(c, http.StatusBadRequest, "invalid body")
	}
	s.monitor.Set(req.Online)
	return c.JSON(http.StatusOK, connectivityState{Online: s.monitor.Online()})
}

func (s *Service) requireAccount(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if s.account == nil {
			return jsonError(c, http.StatusServiceUnavailable, "backend.url is not configured")
		}
		req := c.Request()
		if token, ok := strings.CutPrefix(req.Header.Get(echo.HeaderAuthorization), "Bearer "); ok && token != "" {
			c.SetRequest(req.WithContext(WithAccessToken(req.Context(), token)))
		}
		return next(c)
	}
}

func (s *Service) createBooking(c echo.Context) error {
	var b Booking
	if err := c.Bind(&b); err != nil {
		return jsonError(c, http.StatusBadRequest, "invalid body")
	}
	if _, ok := s.catalog.ByID(b.CarID); !ok {
		return jsonError(c, http.StatusNotFound, "car not found")
	}
	out, err := s.account.CreateBooking(c.Request().Context(), b)
	switch {
	case errors.Is(err, ErrInvalidBooking):
		return jsonError(c, http.StatusUnprocessableEntity, err.Error())
	case err != nil:
		return jsonError(c, http.StatusBadGateway, err.Error())
	}
	car, _ := s.catalog.ByID(b.CarID)
	s.log.Info().Str("car", car.DisplayName()).Str("date", b.BookingDate).Msg("test drive booked")
	return c.JSON(http.StatusCreated, out)
}

func (s *Service) listBookings(c echo.Context) error {
	out, err := s.account.Bookings(c.Request().Context(), c.Param("user"))
	if err != nil {
		return jsonError(c, http.StatusBadGateway, err.Error())
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Service) getPreferences(c echo.Context) error {
	p, err := s.account.Preferences(c.Request().Context(), c.Param("user"))
	if err != nil {
		return jsonError(c, http.StatusBadGateway, err.Error())
	}
	if p == nil {
		return jsonError(c, http.StatusNotFound, "no preferences stored")
	}
	return c.JSON(http.StatusOK, p)
}

type preferenceUpdate struct {
	Key   string `json:"key"`
	Value bool   `json:"value"`
}

func (s *Service) updatePreference(c echo.Context) error {
	var req preferenceUpdate
	if err := c.Bind(&req); err != nil {
		return jsonError(c, http.StatusBadRequest, "invalid body")
	}
	err := s.account.UpdatePreference(c.Request().Context(), c.Param("user"), req.Key, req.Value)
	switch {
	case errors.Is(err, ErrUnknownPreference):
		return jsonError(c, http.StatusBadRequest, err.Error())
	case err != nil:
		return jsonError(c, http.StatusBadGateway, err.Error())
	}
	return c.NoContent(http.StatusNoContent)
}
