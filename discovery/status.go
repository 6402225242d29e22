package discovery

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/valmesh/valmesh/node/status"
	"github.com/valmesh/valmesh/peernet"
)

type Status struct {
	discovery *Discovery
}

func NewStatus(discovery *Discovery) *Status {
	return &Status{
		discovery: discovery,
	}
}

func (s *Status) Register(group *gin.RouterGroup) {
	group.GET("/peers", s.listPeersRoute)
	group.GET("/peers/:id", s.getPeerRoute)
	group.GET("/own-info", s.ownInfoRoute)
}

func (s *Status) listPeersRoute(c *gin.Context) {
	c.JSON(http.StatusOK, s.discovery.Directory().Peers())
}

func (s *Status) getPeerRoute(c *gin.Context) {
	id, err := peernet.ParsePeerID(c.Param("id"))
	if err != nil {
		c.Status(http.StatusBadRequest)
		return
	}

	info, ok := s.discovery.Directory().Peer(id)
	if !ok {
		c.Status(http.StatusNotFound)
		return
	}
	c.JSON(http.StatusOK, info)
}

func (s *Status) ownInfoRoute(c *gin.Context) {
	info, ok := s.discovery.Directory().OwnInfo()
	if !ok {
		c.Status(http.StatusNotFound)
		return
	}
	c.JSON(http.StatusOK, info)
}

var _ status.Handler = &Status{}
