package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/FabianTorres/confesiones/internal/chat"
	"github.com/FabianTorres/confesiones/internal/confessions"
	"github.com/FabianTorres/confesiones/internal/users"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type authRequestPayload struct {
	InstallID string `json:"install_id"`
}

type authResponsePayload struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
	UserID      string `json:"user_id"`
	InstallID   string `json:"install_id"`
	NewIdentity bool   `json:"new_identity"`
}

func (h *httpHandler) handleAnonymousAuth(c *gin.Context) {
	var request authRequestPayload
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&request); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
			return
		}
	}

	session, err := h.users.SignInAnonymously(c.Request.Context(), request.InstallID)
	if err != nil {
		h.writeError(c, "auth.anonymous", err)
		return
	}

	token, expiresIn, err := h.tokens.IssueToken(c.Request.Context(), session.UserID, session.InstallID)
	if err != nil {
		h.logger.Error("failed to issue session token", zap.String("user_id", session.UserID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token_issue_failed"})
		return
	}

	c.JSON(http.StatusOK, authResponsePayload{
		AccessToken: token,
		ExpiresIn:   expiresIn,
		TokenType:   "Bearer",
		UserID:      session.UserID,
		InstallID:   session.InstallID,
		NewIdentity: session.NewIdentity,
	})
}

// confessionPayload hides the like membership and reports only the caller's own like.
type confessionPayload struct {
	ID            string    `json:"id"`
	Text          string    `json:"text"`
	AuthorID      string    `json:"author_id"`
	CommunityID   string    `json:"community_id"`
	CreatedAt     time.Time `json:"created_at"`
	LikesCount    int64     `json:"likes_count"`
	LikedByMe     bool      `json:"liked_by_me"`
	CommentsCount int64     `json:"comments_count"`
	AuthorGender  *string   `json:"author_gender,omitempty"`
	AuthorAge     *int      `json:"author_age,omitempty"`
	AuthorCountry *string   `json:"author_country,omitempty"`
}

func newConfessionPayload(confession confessions.Confession, userID string) confessionPayload {
	return confessionPayload{
		ID:            confession.ID,
		Text:          confession.Text,
		AuthorID:      confession.AuthorID,
		CommunityID:   confession.CommunityID,
		CreatedAt:     confession.CreatedAt,
		LikesCount:    confession.LikesCount,
		LikedByMe:     confession.LikedBy(userID),
		CommentsCount: confession.CommentsCount,
		AuthorGender:  confession.AuthorGender,
		AuthorAge:     confession.AuthorAge,
		AuthorCountry: confession.AuthorCountry,
	}
}

func newConfessionPayloads(list []confessions.Confession, userID string) []confessionPayload {
	payloads := make([]confessionPayload, 0, len(list))
	for _, confession := range list {
		payloads = append(payloads, newConfessionPayload(confession, userID))
	}
	return payloads
}

type textRequestPayload struct {
	Text string `json:"text"`
}

func (h *httpHandler) handleListCommunities(c *gin.Context) {
	communities, err := h.confessions.ListCommunities(c.Request.Context())
	if err != nil {
		h.writeError(c, "communities.list", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"communities": communities})
}

func (h *httpHandler) handleListFeed(c *gin.Context) {
	order, err := confessions.ParseSortOrder(c.Query("sort"))
	if err != nil {
		h.writeError(c, "confessions.feed", err)
		return
	}
	feed, err := h.confessions.ListFeed(c.Request.Context(), c.Param("id"), order)
	if err != nil {
		h.writeError(c, "confessions.feed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"confessions": newConfessionPayloads(feed, c.GetString(userIDContextKey))})
}

func (h *httpHandler) handleCreateConfession(c *gin.Context) {
	var request textRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	userID := c.GetString(userIDContextKey)
	confession, err := h.confessions.CreateConfession(c.Request.Context(), userID, c.Param("id"), request.Text)
	if err != nil {
		h.writeError(c, "confessions.create", err)
		return
	}
	c.JSON(http.StatusCreated, newConfessionPayload(confession, userID))
}

func (h *httpHandler) handleGetConfession(c *gin.Context) {
	confession, err := h.confessions.GetConfession(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, "confessions.get", err)
		return
	}
	c.JSON(http.StatusOK, newConfessionPayload(confession, c.GetString(userIDContextKey)))
}

func (h *httpHandler) handleToggleLike(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	confession, err := h.confessions.ToggleLike(c.Request.Context(), c.Param("id"), userID)
	if err != nil {
		h.writeError(c, "confessions.toggle_like", err)
		return
	}
	c.JSON(http.StatusOK, newConfessionPayload(confession, userID))
}

func (h *httpHandler) handleListComments(c *gin.Context) {
	comments, err := h.confessions.ListComments(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, "confessions.list_comments", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"comments": comments})
}

func (h *httpHandler) handleAddComment(c *gin.Context) {
	var request textRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	comment, err := h.confessions.AddComment(c.Request.Context(), c.Param("id"), c.GetString(userIDContextKey), request.Text)
	if err != nil {
		h.writeError(c, "confessions.add_comment", err)
		return
	}
	c.JSON(http.StatusCreated, comment)
}

type reportRequestPayload struct {
	ItemID   string `json:"item_id"`
	ItemType string `json:"item_type"`
	Reason   string `json:"reason"`
}

func (h *httpHandler) handleReport(c *gin.Context) {
	var request reportRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	itemType, err := confessions.ParseItemType(request.ItemType)
	if err != nil {
		h.writeError(c, "reports.create", err)
		return
	}
	report, err := h.confessions.ReportItem(c.Request.Context(), request.ItemID, itemType, c.GetString(userIDContextKey), request.Reason)
	if err != nil {
		h.writeError(c, "reports.create", err)
		return
	}
	c.JSON(http.StatusCreated, report)
}

func (h *httpHandler) handleGetProfile(c *gin.Context) {
	profile, err := h.users.GetProfile(c.Request.Context(), c.GetString(userIDContextKey))
	if err != nil {
		h.writeError(c, "profile.get", err)
		return
	}
	c.JSON(http.StatusOK, profile)
}

type profileRequestPayload struct {
	Gender          *string `json:"gender"`
	Age             *int    `json:"age"`
	CountryCode     *string `json:"country_code"`
	AllowsMessaging bool    `json:"allows_messaging"`
}

func (h *httpHandler) handleUpdateProfile(c *gin.Context) {
	var request profileRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	profile, err := h.users.UpdateProfile(c.Request.Context(), c.GetString(userIDContextKey), users.ProfileUpdate{
		Gender:          request.Gender,
		Age:             request.Age,
		CountryCode:     request.CountryCode,
		AllowsMessaging: request.AllowsMessaging,
	})
	if err != nil {
		h.writeError(c, "profile.update", err)
		return
	}
	c.JSON(http.StatusOK, profile)
}

type blockRequestPayload struct {
	UserID string `json:"user_id"`
}

func (h *httpHandler) handleBlockUser(c *gin.Context) {
	var request blockRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.UserID) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	profile, err := h.users.BlockUser(c.Request.Context(), c.GetString(userIDContextKey), request.UserID)
	if err != nil {
		h.writeError(c, "profile.block", err)
		return
	}
	c.JSON(http.StatusOK, profile)
}

func (h *httpHandler) handleListOwnConfessions(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	list, err := h.confessions.ListByAuthor(c.Request.Context(), userID)
	if err != nil {
		h.writeError(c, "confessions.list_own", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"confessions": newConfessionPayloads(list, userID)})
}

// roomPayload exposes the member pair that the stored room keeps internal.
type roomPayload struct {
	chat.Room
	Members []string `json:"members"`
}

func newRoomPayload(room chat.Room) roomPayload {
	return roomPayload{Room: room, Members: room.Members()}
}

func newRoomPayloads(rooms []chat.Room) []roomPayload {
	payloads := make([]roomPayload, 0, len(rooms))
	for _, room := range rooms {
		payloads = append(payloads, newRoomPayload(room))
	}
	return payloads
}

type chatListPayload struct {
	Pending []roomPayload `json:"pending"`
	Active  []roomPayload `json:"active"`
}

func newChatListPayload(rooms []chat.Room) chatListPayload {
	list := chat.Partition(rooms)
	return chatListPayload{
		Pending: newRoomPayloads(list.Pending),
		Active:  newRoomPayloads(list.Active),
	}
}

func (h *httpHandler) handleListChats(c *gin.Context) {
	rooms, err := h.chat.ListRooms(c.Request.Context(), c.GetString(userIDContextKey))
	if err != nil {
		h.writeError(c, "chats.list", err)
		return
	}
	c.JSON(http.StatusOK, newChatListPayload(rooms))
}

type startChatRequestPayload struct {
	AuthorID    string `json:"author_id"`
	ContextText string `json:"context_text"`
}

type startChatResponsePayload struct {
	Room    roomPayload  `json:"room"`
	Message chat.Message `json:"message"`
}

func (h *httpHandler) handleStartChat(c *gin.Context) {
	var request startChatRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	room, message, err := h.chat.FindOrCreate(c.Request.Context(), c.GetString(userIDContextKey), request.AuthorID, request.ContextText)
	if err != nil {
		h.writeError(c, "chats.start", err)
		return
	}
	c.JSON(http.StatusOK, startChatResponsePayload{Room: newRoomPayload(room), Message: message})
}

func (h *httpHandler) handleGetChat(c *gin.Context) {
	room, err := h.chat.MemberRoom(c.Request.Context(), c.Param("id"), c.GetString(userIDContextKey))
	if err != nil {
		h.writeError(c, "chats.get", err)
		return
	}
	c.JSON(http.StatusOK, newRoomPayload(room))
}

func (h *httpHandler) handleListMessages(c *gin.Context) {
	messages, err := h.chat.ListMessages(c.Request.Context(), c.Param("id"), c.GetString(userIDContextKey))
	if err != nil {
		h.writeError(c, "chats.list_messages", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": messages})
}

func (h *httpHandler) handleSendMessage(c *gin.Context) {
	var request textRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	message, err := h.chat.SendMessage(c.Request.Context(), c.Param("id"), c.GetString(userIDContextKey), request.Text)
	if err != nil {
		h.writeError(c, "chats.send_message", err)
		return
	}
	c.JSON(http.StatusCreated, message)
}

func (h *httpHandler) handleAcceptChat(c *gin.Context) {
	room, err := h.chat.Accept(c.Request.Context(), c.Param("id"), c.GetString(userIDContextKey))
	if err != nil {
		h.writeError(c, "chats.accept", err)
		return
	}
	c.JSON(http.StatusOK, newRoomPayload(room))
}

func (h *httpHandler) handleRejectChat(c *gin.Context) {
	room, err := h.chat.Reject(c.Request.Context(), c.Param("id"), c.GetString(userIDContextKey))
	if err != nil {
		h.writeError(c, "chats.reject", err)
		return
	}
	c.JSON(http.StatusOK, newRoomPayload(room))
}
