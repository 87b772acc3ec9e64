// Copyright 2024-2026 Aiku AI

package proxy

import (
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// Server exposes the proxy over HTTP: account auth, room and message
// queries, platform link/unlink, push token registration, and the
// websocket live channel.
type Server struct {
	cfg      *Config
	registry *Registry
	orch     *Orchestrator
	live     *LiveRegistry
	tokens   *PushTokenStore
	log      zerolog.Logger
	upgrader websocket.Upgrader
}

func NewServer(cfg *Config, registry *Registry, orch *Orchestrator, live *LiveRegistry, tokens *PushTokenStore, log zerolog.Logger) *Server {
	s := &Server{
		cfg:      cfg,
		registry: registry,
		orch:     orch,
		live:     live,
		tokens:   tokens,
		log:      log.With().Str("component", "http").Logger(),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	for _, allowed := range s.cfg.AllowedOrigins {
		if origin == allowed {
			return true
		}
	}
	return false
}

// Handler builds the gin router.
func (s *Server) Handler() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLog())

	corsCfg := cors.DefaultConfig()
	if len(s.cfg.AllowedOrigins) == 0 {
		corsCfg.AllowAllOrigins = true
	} else {
		corsCfg.AllowOrigins = s.cfg.AllowedOrigins
	}
	corsCfg.AllowHeaders = append(corsCfg.AllowHeaders, "Authorization")
	r.Use(cors.New(corsCfg))

	r.POST("/login", s.handleLogin)
	r.POST("/register", s.handleRegister)
	r.POST("/sendMessage", s.handleSendMessage)
	r.POST("/markAsRead", s.handleMarkAsRead)
	r.POST("/deleteMessage", s.handleDeleteMessage)
	r.POST("/save-token", s.handleSaveToken)

	r.POST("/platform/:platform/init", s.handlePlatformInit)
	r.POST("/platform/:platform/verify", s.handlePlatformVerify)
	r.POST("/platform/:platform/logout", s.handlePlatformLogout)

	r.GET("/rooms/:userId", s.handleRooms)
	r.GET("/messages/:roomId", s.handleMessages)
	r.GET("/accounts/:userId", s.handleAccounts)
	r.GET("/ws", s.handleWS)

	return r
}

func (s *Server) requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		if c.Request.URL.Path == "/ws" {
			return
		}
		s.log.Debug().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("duration", time.Since(start)).
			Msg("Request handled")
	}
}

func (s *Server) respondError(c *gin.Context, err error) {
	status := HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		s.log.Error().Err(err).Str("path", c.Request.URL.Path).Msg("Request failed")
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

type credentialsRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (s *Server) handleLogin(c *gin.Context) {
	var req credentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Username == "" || req.Password == "" {
		s.respondError(c, badRequest("username and password are required"))
		return
	}
	session, err := s.registry.Login(c.Request.Context(), req.Username, req.Password)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"userId":      session.UserID().String(),
		"accessToken": session.AccessToken(),
	})
}

func (s *Server) handleRegister(c *gin.Context) {
	var req credentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Username == "" || req.Password == "" {
		s.respondError(c, badRequest("username and password are required"))
		return
	}
	session, err := s.registry.Register(c.Request.Context(), req.Username, req.Password)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"userId":      session.UserID().String(),
		"accessToken": session.AccessToken(),
	})
}

// sessionFor resolves the caller's session from explicit credentials.
func (s *Server) sessionFor(c *gin.Context, userID, accessToken string) (*Session, bool) {
	if userID == "" || accessToken == "" {
		s.respondError(c, badRequest("userId and accessToken are required"))
		return nil, false
	}
	session, err := s.registry.GetOrCreate(c.Request.Context(), id.UserID(userID), accessToken)
	if err != nil {
		s.respondError(c, err)
		return nil, false
	}
	return session, true
}

type messageActionRequest struct {
	UserID      string `json:"userId"`
	AccessToken string `json:"accessToken"`
	RoomID      string `json:"roomId"`
	Text        string `json:"text"`
	EventID     string `json:"eventId"`

	// Media fields, used when msgtype is m.image, m.video or m.audio.
	MsgType  string `json:"msgtype,omitempty"`
	URL      string `json:"url,omitempty"`
	MimeType string `json:"mimetype,omitempty"`
	Width    int    `json:"width,omitempty"`
	Height   int    `json:"height,omitempty"`
	Duration int    `json:"duration,omitempty"`
	Size     int    `json:"size,omitempty"`
}

// content builds the outgoing message event. A missing msgtype means plain
// text; media msgtypes carry the mxc URL and whatever metadata was supplied.
func (r *messageActionRequest) content() (*event.MessageEventContent, error) {
	msgType := event.MessageType(r.MsgType)
	if r.MsgType == "" || msgType == event.MsgText {
		return &event.MessageEventContent{MsgType: event.MsgText, Body: r.Text}, nil
	}
	switch msgType {
	case event.MsgImage, event.MsgVideo, event.MsgAudio, event.MsgFile:
	default:
		return nil, badRequest("unsupported msgtype")
	}
	if r.URL == "" {
		return nil, badRequest("url is required for media messages")
	}
	content := &event.MessageEventContent{
		MsgType: msgType,
		Body:    r.Text,
		URL:     id.ContentURIString(r.URL),
	}
	if r.MimeType != "" || r.Width > 0 || r.Height > 0 || r.Duration > 0 || r.Size > 0 {
		content.Info = &event.FileInfo{
			MimeType: r.MimeType,
			Width:    r.Width,
			Height:   r.Height,
			Duration: r.Duration,
			Size:     r.Size,
		}
	}
	return content, nil
}

func (s *Server) handleSendMessage(c *gin.Context) {
	var req messageActionRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.RoomID == "" || (req.Text == "" && req.URL == "") {
		s.respondError(c, badRequest("roomId and text are required"))
		return
	}
	content, err := req.content()
	if err != nil {
		s.respondError(c, err)
		return
	}
	session, ok := s.sessionFor(c, req.UserID, req.AccessToken)
	if !ok {
		return
	}
	eventID, err := session.API().SendMessage(c.Request.Context(), id.RoomID(req.RoomID), content)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"eventId": eventID.String()})
}

// handleMarkAsRead moves the user's read receipt. Without an eventId the
// receipt lands on the room's most recent timeline event.
func (s *Server) handleMarkAsRead(c *gin.Context) {
	var req messageActionRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.RoomID == "" {
		s.respondError(c, badRequest("roomId is required"))
		return
	}
	session, ok := s.sessionFor(c, req.UserID, req.AccessToken)
	if !ok {
		return
	}
	roomID := id.RoomID(req.RoomID)
	eventID := id.EventID(req.EventID)
	if eventID == "" {
		chunk, _, err := session.API().Messages(c.Request.Context(), roomID, "", 1)
		if err != nil {
			s.respondError(c, err)
			return
		}
		if len(chunk) == 0 {
			c.JSON(http.StatusOK, gin.H{"status": "ok"})
			return
		}
		eventID = chunk[0].ID
	}
	if err := session.API().MarkRead(c.Request.Context(), roomID, eventID); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleDeleteMessage(c *gin.Context) {
	var req messageActionRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.RoomID == "" || req.EventID == "" {
		s.respondError(c, badRequest("roomId and eventId are required"))
		return
	}
	session, ok := s.sessionFor(c, req.UserID, req.AccessToken)
	if !ok {
		return
	}
	if err := session.API().RedactEvent(c.Request.Context(), id.RoomID(req.RoomID), id.EventID(req.EventID)); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type saveTokenRequest struct {
	UserID    string  `json:"userId"`
	PushToken *string `json:"pushToken"`
}

// handleSaveToken registers or clears a user's push token. A null or empty
// pushToken clears the registration.
func (s *Server) handleSaveToken(c *gin.Context) {
	var req saveTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.UserID == "" {
		s.respondError(c, badRequest("userId is required"))
		return
	}
	if req.PushToken == nil || *req.PushToken == "" {
		s.tokens.Clear(id.UserID(req.UserID))
	} else {
		s.tokens.Save(id.UserID(req.UserID), *req.PushToken)
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) platformFor(c *gin.Context) (*Platform, bool) {
	platform, ok := LookupPlatform(c.Param("platform"))
	if !ok {
		s.respondError(c, badRequest("unknown platform"))
		return nil, false
	}
	return platform, true
}

func (s *Server) handlePlatformInit(c *gin.Context) {
	platform, ok := s.platformFor(c)
	if !ok {
		return
	}
	var req LinkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.respondError(c, badRequest("invalid request body"))
		return
	}
	session, ok := s.sessionFor(c, req.UserID, req.AccessToken)
	if !ok {
		return
	}
	values, err := s.orch.Link(c.Request.Context(), session, platform, &req)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, values)
}

func (s *Server) handlePlatformVerify(c *gin.Context) {
	platform, ok := s.platformFor(c)
	if !ok {
		return
	}
	var req LinkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.respondError(c, badRequest("invalid request body"))
		return
	}
	session, ok := s.sessionFor(c, req.UserID, req.AccessToken)
	if !ok {
		return
	}
	values, err := s.orch.Verify(c.Request.Context(), session, platform, &req)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, values)
}

func (s *Server) handlePlatformLogout(c *gin.Context) {
	platform, ok := s.platformFor(c)
	if !ok {
		return
	}
	var req LinkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.respondError(c, badRequest("invalid request body"))
		return
	}
	session, ok := s.sessionFor(c, req.UserID, req.AccessToken)
	if !ok {
		return
	}
	if err := s.orch.Unlink(c.Request.Context(), session, platform); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "unlinked"})
}

type roomSummary struct {
	RoomID        string `json:"roomId"`
	Name          string `json:"name"`
	AvatarURL     string `json:"avatarUrl,omitempty"`
	UnreadCount   int    `json:"unreadCount"`
	LastMessageTS int64  `json:"lastMessageTs"`
	IsBridgeBot   bool   `json:"isBridgeBot"`
}

func (s *Server) handleRooms(c *gin.Context) {
	session, ok := s.sessionFor(c, c.Param("userId"), c.Query("accessToken"))
	if !ok {
		return
	}
	rooms := session.JoinedRooms()
	out := make([]roomSummary, 0, len(rooms))
	for _, room := range rooms {
		summary := roomSummary{
			RoomID:        room.ID.String(),
			Name:          room.Name,
			AvatarURL:     room.AvatarURL,
			UnreadCount:   room.UnreadCount,
			LastMessageTS: room.LastMessageTS,
		}
		for member := range room.Members {
			if _, isBot := IsControlBot(member); isBot {
				summary.IsBridgeBot = true
				break
			}
		}
		out = append(out, summary)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].LastMessageTS != out[j].LastMessageTS {
			return out[i].LastMessageTS > out[j].LastMessageTS
		}
		return out[i].RoomID < out[j].RoomID
	})
	c.JSON(http.StatusOK, out)
}

func (s *Server) handleMessages(c *gin.Context) {
	session, ok := s.sessionFor(c, c.Query("userId"), c.Query("accessToken"))
	if !ok {
		return
	}
	limit := s.cfg.Scrollback()
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	entries, err := FetchMessages(c.Request.Context(), session, id.RoomID(c.Param("roomId")), limit)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, entries)
}

func (s *Server) handleAccounts(c *gin.Context) {
	session, ok := s.sessionFor(c, c.Param("userId"), c.Query("accessToken"))
	if !ok {
		return
	}
	accounts, err := FetchLinkedAccounts(c.Request.Context(), s.cfg, session)
	if err != nil {
		s.respondError(c, err)
		return
	}
	out := make(map[string]string, len(accounts))
	for _, acc := range accounts {
		out[acc.Platform] = acc.Identity
	}
	c.JSON(http.StatusOK, out)
}

// handleWS upgrades to a websocket and registers it as the user's live
// connection. The read loop exists only to observe the close.
func (s *Server) handleWS(c *gin.Context) {
	userID := c.Query("userId")
	accessToken := c.Query("accessToken")
	session, ok := s.sessionFor(c, userID, accessToken)
	if !ok {
		return
	}
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Debug().Err(err).Msg("Websocket upgrade failed")
		return
	}
	connID := s.live.Register(session.UserID(), conn)
	go func() {
		defer func() {
			s.live.Evict(session.UserID(), connID)
			_ = conn.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}
