package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	internalsettings "github.com/rapidalle/rapidalle/internal/settings"
)

// publicConfigResponse is the response payload for public config.
type publicConfigResponse struct {
	SiteName string `json:"site_name"`
}

// GetPublicConfig returns public configuration for the front UI.
func GetPublicConfig(c *gin.Context) {
	siteName := internalsettings.String(internalsettings.SiteNameKey, internalsettings.DefaultSiteName)
	c.JSON(http.StatusOK, publicConfigResponse{SiteName: siteName})
}
