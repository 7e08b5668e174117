package site

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"gateway/internal/domain"
)

// Config はオリジンサイトサーバーの設定
type Config struct {
	Root        string
	ChatPath    string
	ChatLatency time.Duration
}

// Server はポートフォリオの静的アセットとチャットのスタブを配信する
type Server struct {
	engine *gin.Engine
	config Config
	logger domain.Logger
}

// New は新しいServerインスタンスを作成
func New(config Config, logger domain.Logger) *Server {
	if config.ChatPath == "" {
		config.ChatPath = "/chat"
	}

	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(logger))

	s := &Server{engine: r, config: config, logger: logger}

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "up"})
	})
	r.POST(config.ChatPath, s.handleChat)

	// その他は全て静的ファイル
	files := http.FileServer(http.Dir(config.Root))
	r.NoRoute(gin.WrapH(files))

	return s
}

// Handler はHTTPハンドラを返す
func (s *Server) Handler() http.Handler {
	return s.engine
}

// handleChat はチャットAPIのスタブ
// multipart の message と任意の image を受け取り reply を返す.
func (s *Server) handleChat(c *gin.Context) {
	message := strings.TrimSpace(c.PostForm("message"))
	if message == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "message is required"})
		return
	}

	reply := fmt.Sprintf("Echo: %s", message)
	if file, err := c.FormFile("image"); err == nil {
		reply += fmt.Sprintf(" (image %s, %d bytes)", file.Filename, file.Size)
	}

	if s.config.ChatLatency > 0 {
		time.Sleep(s.config.ChatLatency)
	}

	c.JSON(http.StatusOK, gin.H{"reply": reply})
}

func requestLogger(logger domain.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("Site request", map[string]interface{}{
			"method":   c.Request.Method,
			"path":     c.Request.URL.Path,
			"status":   c.Writer.Status(),
			"duration": time.Since(start).String(),
		})
	}
}
