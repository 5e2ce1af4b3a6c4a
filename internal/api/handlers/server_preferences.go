package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"cardpilot.io/notifier/internal/domain"
	apperrors "cardpilot.io/notifier/internal/pkg/errors"
	"cardpilot.io/notifier/internal/repository"
)

// GetPreferences handles GET /preferences. A user who never saved any gets
// the defaults.
func (s *Server) GetPreferences(c *gin.Context) {
	userID, ok := callerID(c)
	if !ok {
		return
	}
	p, err := s.preferences(c, userID)
	if err != nil {
		fail(c, apperrors.FromError(err))
		return
	}
	c.JSON(http.StatusOK, p)
}

// UpdatePreferences handles PUT /preferences. Fields missing from the body
// take their default values.
func (s *Server) UpdatePreferences(c *gin.Context) {
	userID, ok := callerID(c)
	if !ok {
		return
	}
	p := domain.DefaultPreferences(userID)
	if !bindJSON(c, p) {
		return
	}
	p.UserID = userID
	p.UpdatedAt = s.now().UTC()
	if err := p.Validate(); err != nil {
		fail(c, apperrors.BadRequest(apperrors.CodeInvalidPreferences, err.Error()))
		return
	}
	if err := s.users.PutPreferences(c.Request.Context(), p); err != nil {
		fail(c, apperrors.FromError(err))
		return
	}
	c.JSON(http.StatusOK, p)
}

func (s *Server) preferences(c *gin.Context, userID string) (*domain.Preferences, error) {
	p, err := s.users.GetPreferences(c.Request.Context(), userID)
	if errors.Is(err, repository.ErrNotFound) {
		return domain.DefaultPreferences(userID), nil
	}
	return p, err
}

// GetContacts handles GET /contacts.
func (s *Server) GetContacts(c *gin.Context) {
	userID, ok := callerID(c)
	if !ok {
		return
	}
	contacts, err := s.users.GetContacts(c.Request.Context(), userID)
	if errors.Is(err, repository.ErrNotFound) {
		contacts, err = &domain.Contacts{UserID: userID}, nil
	}
	if err != nil {
		fail(c, apperrors.FromError(err))
		return
	}
	c.JSON(http.StatusOK, contacts)
}

// UpdateContacts handles PUT /contacts. The body replaces every contact
// point.
func (s *Server) UpdateContacts(c *gin.Context) {
	userID, ok := callerID(c)
	if !ok {
		return
	}
	var contacts domain.Contacts
	if !bindJSON(c, &contacts) {
		return
	}
	contacts.UserID = userID
	contacts.UpdatedAt = s.now().UTC()
	if err := contacts.Validate(); err != nil {
		fail(c, apperrors.BadRequest(apperrors.CodeInvalidContact, err.Error()))
		return
	}
	if err := s.users.PutContacts(c.Request.Context(), &contacts); err != nil {
		fail(c, apperrors.FromError(err))
		return
	}
	c.JSON(http.StatusOK, contacts)
}
