package committee

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/valmesh/valmesh/node/status"
)

type Status struct {
	channel *Channel
}

func NewStatus(channel *Channel) *Status {
	return &Status{
		channel: channel,
	}
}

func (s *Status) Register(group *gin.RouterGroup) {
	group.GET("/record", s.recordRoute)
	group.POST("/epoch-start", s.epochStartRoute)
}

func (s *Status) recordRoute(c *gin.Context) {
	record, ok := s.channel.Latest()
	if !ok {
		c.Status(http.StatusNotFound)
		return
	}
	c.JSON(http.StatusOK, record)
}

// epochStartRoute publishes the posted epoch start state as the new
// committee record.
func (s *Status) epochStartRoute(c *gin.Context) {
	var state EpochStartState
	if err := c.BindJSON(&state); err != nil {
		c.Status(http.StatusBadRequest)
		return
	}

	s.channel.Publish(state.Record())

	c.Status(http.StatusOK)
}

var _ status.Handler = &Status{}
