package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/Forks-by-Rabenherz/mail-archiver/internal/database/models"
	"github.com/Forks-by-Rabenherz/mail-archiver/internal/services"
)

// AccountHandler serves the archive account configuration endpoints
type AccountHandler struct {
	accountService *services.AccountService
	syncService    *services.SyncService
	logService     *services.LogService
}

// NewAccountHandler creates a new AccountHandler instance
func NewAccountHandler(accountService *services.AccountService, syncService *services.SyncService, logService *services.LogService) *AccountHandler {
	return &AccountHandler{
		accountService: accountService,
		syncService:    syncService,
		logService:     logService,
	}
}

// CreateAccountRequest represents the request to create an archive account
type CreateAccountRequest struct {
	Name     string `json:"name" binding:"required"`
	Email    string `json:"email" binding:"required,email"`
	Provider string `json:"provider" binding:"required"`

	IMAPHost string `json:"imap_host"`
	IMAPPort int    `json:"imap_port"`
	Username string `json:"username"`
	Password string `json:"password"`
	UseSSL   *bool  `json:"use_ssl"`

	GraphTenantID string `json:"graph_tenant_id"`
	GraphClientID string `json:"graph_client_id"`
	GraphSecret   string `json:"graph_secret"`
	GraphMailbox  string `json:"graph_mailbox"`

	RetentionEnabled bool `json:"retention_enabled"`
	RetentionDays    int  `json:"retention_days"`
}

// UpdateAccountRequest represents the request to update an archive account
type UpdateAccountRequest struct {
	Name     string `json:"name"`
	IMAPHost string `json:"imap_host"`
	IMAPPort int    `json:"imap_port"`
	Username string `json:"username"`
	Password string `json:"password"`
	UseSSL   *bool  `json:"use_ssl"`

	GraphTenantID string `json:"graph_tenant_id"`
	GraphClientID string `json:"graph_client_id"`
	GraphSecret   string `json:"graph_secret"`
	GraphMailbox  string `json:"graph_mailbox"`

	RetentionEnabled *bool `json:"retention_enabled"`
	RetentionDays    *int  `json:"retention_days"`
}

// ListAccounts returns all configured accounts
// GET /api/accounts
func (h *AccountHandler) ListAccounts(c *gin.Context) {
	accounts, err := h.accountService.GetAccounts()
	if err != nil {
		internalError(c, "Failed to retrieve accounts")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data":    accounts,
	})
}

// CreateAccount creates a new archive account
// POST /api/accounts
func (h *AccountHandler) CreateAccount(c *gin.Context) {
	var req CreateAccountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		validationError(c, "Invalid request body", err)
		return
	}

	useSSL := true
	if req.UseSSL != nil {
		useSSL = *req.UseSSL
	}

	input := services.CreateAccountInput{
		Name:             req.Name,
		Email:            req.Email,
		Provider:         models.ProviderKind(req.Provider),
		IMAPHost:         req.IMAPHost,
		IMAPPort:         req.IMAPPort,
		Username:         req.Username,
		Password:         req.Password,
		UseSSL:           useSSL,
		GraphTenantID:    req.GraphTenantID,
		GraphClientID:    req.GraphClientID,
		GraphSecret:      req.GraphSecret,
		GraphMailbox:     req.GraphMailbox,
		RetentionEnabled: req.RetentionEnabled,
		RetentionDays:    req.RetentionDays,
	}

	account, err := h.accountService.CreateAccount(input)
	if err != nil {
		switch {
		case errors.Is(err, services.ErrAccountAlreadyExists):
			c.JSON(http.StatusConflict, gin.H{
				"success": false,
				"error": gin.H{
					"code":    "CONFLICT",
					"message": "Mail account already exists",
				},
			})
		case errors.Is(err, services.ErrInvalidAccountData):
			validationError(c, err.Error(), nil)
		default:
			internalError(c, "Failed to create account")
		}
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"success": true,
		"data":    account,
	})
}

// GetAccount returns a specific account
// GET /api/accounts/:id
func (h *AccountHandler) GetAccount(c *gin.Context) {
	accountID, ok := accountIDParam(c)
	if !ok {
		return
	}

	account, err := h.accountService.GetAccountByID(accountID)
	if err != nil {
		accountError(c, err, "Failed to retrieve account")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data":    account,
	})
}

// UpdateAccount updates an account's settings
// PUT /api/accounts/:id
func (h *AccountHandler) UpdateAccount(c *gin.Context) {
	accountID, ok := accountIDParam(c)
	if !ok {
		return
	}

	var req UpdateAccountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		validationError(c, "Invalid request body", err)
		return
	}

	input := services.UpdateAccountInput{
		Name:             req.Name,
		IMAPHost:         req.IMAPHost,
		IMAPPort:         req.IMAPPort,
		Username:         req.Username,
		Password:         req.Password,
		UseSSL:           req.UseSSL,
		GraphTenantID:    req.GraphTenantID,
		GraphClientID:    req.GraphClientID,
		GraphSecret:      req.GraphSecret,
		GraphMailbox:     req.GraphMailbox,
		RetentionEnabled: req.RetentionEnabled,
		RetentionDays:    req.RetentionDays,
	}

	account, err := h.accountService.UpdateAccount(accountID, input)
	if err != nil {
		accountError(c, err, "Failed to update account")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data":    account,
	})
}

// DeleteAccount deletes an account and its archived messages
// DELETE /api/accounts/:id
func (h *AccountHandler) DeleteAccount(c *gin.Context) {
	accountID, ok := accountIDParam(c)
	if !ok {
		return
	}

	if err := h.accountService.DeleteAccount(accountID); err != nil {
		accountError(c, err, "Failed to delete account")
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true})
}

// EnableAccount enables an account for sync
// PUT /api/accounts/:id/enable
func (h *AccountHandler) EnableAccount(c *gin.Context) {
	h.setEnabled(c, true)
}

// DisableAccount disables an account
// PUT /api/accounts/:id/disable
func (h *AccountHandler) DisableAccount(c *gin.Context) {
	h.setEnabled(c, false)
}

func (h *AccountHandler) setEnabled(c *gin.Context, enabled bool) {
	accountID, ok := accountIDParam(c)
	if !ok {
		return
	}

	if _, err := h.accountService.SetAccountEnabled(accountID, enabled); err != nil {
		accountError(c, err, "Failed to update account")
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true})
}

// TestConnection verifies that the account's provider is reachable with the
// stored credentials
// POST /api/accounts/:id/test
func (h *AccountHandler) TestConnection(c *gin.Context) {
	accountID, ok := accountIDParam(c)
	if !ok {
		return
	}

	if err := h.syncService.TestConnection(c.Request.Context(), accountID); err != nil {
		if errors.Is(err, services.ErrAccountNotFound) {
			accountError(c, err, "")
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"success": true,
			"data": gin.H{
				"connected": false,
				"error":     err.Error(),
			},
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data":    gin.H{"connected": true},
	})
}

// accountIDParam parses the :id path parameter, writing the error response
// itself on failure
func accountIDParam(c *gin.Context) (uint, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		validationError(c, "Invalid account ID", nil)
		return 0, false
	}
	return uint(id), true
}

// accountError maps account service errors onto HTTP responses
func accountError(c *gin.Context, err error, fallback string) {
	switch {
	case errors.Is(err, services.ErrAccountNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"success": false,
			"error": gin.H{
				"code":    "NOT_FOUND",
				"message": "Account not found",
			},
		})
	case errors.Is(err, services.ErrAccountDisabled):
		c.JSON(http.StatusConflict, gin.H{
			"success": false,
			"error": gin.H{
				"code":    "ACCOUNT_DISABLED",
				"message": "Account is disabled",
			},
		})
	case errors.Is(err, services.ErrAccountNotAllowed):
		c.JSON(http.StatusForbidden, gin.H{
			"success": false,
			"error": gin.H{
				"code":    "FORBIDDEN",
				"message": "Account not allowed for this caller",
			},
		})
	case errors.Is(err, services.ErrInvalidAccountData):
		validationError(c, err.Error(), nil)
	default:
		internalError(c, fallback)
	}
}

// validationError writes a 400 response
func validationError(c *gin.Context, message string, err error) {
	body := gin.H{
		"code":    "VALIDATION_ERROR",
		"message": message,
	}
	if err != nil {
		body["details"] = err.Error()
	}
	c.JSON(http.StatusBadRequest, gin.H{
		"success": false,
		"error":   body,
	})
}

// internalError writes a 500 response
func internalError(c *gin.Context, message string) {
	if message == "" {
		message = "Internal error"
	}
	c.JSON(http.StatusInternalServerError, gin.H{
		"success": false,
		"error": gin.H{
			"code":    "INTERNAL_ERROR",
			"message": message,
		},
	})
}
