package handlers

import (
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/upb/microapp-gateway/middleware"
	"github.com/upb/microapp-gateway/utils"
)

// Tile is the descriptor the host application renders as an entry point
type Tile struct {
	Type    string      `json:"type"`
	Text    string      `json:"text"`
	Subtext string      `json:"subtext"`
	OnClick TileOnClick `json:"onClick"`
}

// TileOnClick points the host at the micro-app document
type TileOnClick struct {
	Type   string `json:"type"`
	APIURL string `json:"apiUrl"`
}

// Microapp is the micro-app document
type Microapp struct {
	ID       string            `json:"id"`
	Sections []MicroappSection `json:"sections"`
}

// MicroappSection groups rows in a micro-app document
type MicroappSection struct {
	Rows []MicroappRow `json:"rows"`
}

// MicroappRow is a single rendered row
type MicroappRow struct {
	Type  string `json:"type"`
	Title string `json:"title"`
}

// ResourceHandler serves the authenticated resources
type ResourceHandler struct {
	baseURL string
	logger  *zap.Logger
}

// NewResourceHandler creates a new ResourceHandler. baseURL is the public
// address follow-up links are built from.
func NewResourceHandler(baseURL string, logger *zap.Logger) *ResourceHandler {
	return &ResourceHandler{
		baseURL: strings.TrimRight(baseURL, "/"),
		logger:  logger,
	}
}

// HandleTile handles GET /tile
func (h *ResourceHandler) HandleTile(w http.ResponseWriter, r *http.Request) {
	tile := Tile{
		Type:    "text",
		Text:    "Hello",
		Subtext: "world!",
		OnClick: TileOnClick{
			Type:   "micro-app",
			APIURL: h.baseURL + "/microapp",
		},
	}

	if err := utils.WriteJSON(w, http.StatusOK, tile); err != nil {
		h.logger.Error("failed to write tile response", zap.Error(err))
	}
}

// HandleMicroapp handles GET /microapp
func (h *ResourceHandler) HandleMicroapp(w http.ResponseWriter, r *http.Request) {
	subject := middleware.GetSubjectFromContext(r.Context())
	if subject == "" {
		_ = utils.WriteUnauthorized(w, "Authentication required")
		return
	}

	doc := Microapp{
		ID: "main",
		Sections: []MicroappSection{{
			Rows: []MicroappRow{{
				Type:  "text",
				Title: "Hello " + subject,
			}},
		}},
	}

	if err := utils.WriteJSON(w, http.StatusOK, doc); err != nil {
		h.logger.Error("failed to write microapp response", zap.Error(err))
	}
}
