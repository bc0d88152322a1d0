package handlers

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"tab-payment-service/internal/logging"
	"tab-payment-service/internal/services"
)

const MaxCallbackBodyBytes = 64 << 10

// callbackAck is what the gateway expects back, whatever happened to the callback.
var callbackAck = gin.H{"ResultCode": 0, "ResultDesc": "Accepted"}

// MpesaCallback acknowledges every delivery with 200 so the gateway stops retrying;
// the outcome lives in callback_logs.
func (h *PaymentHandler) MpesaCallback(c *gin.Context) {
	ctx := c.Request.Context()
	log := logging.FromContext(ctx).WithField("remote_ip", c.ClientIP())

	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, MaxCallbackBodyBytes))
	if err != nil {
		log.WithError(err).Warn("Callback body rejected")
		c.JSON(http.StatusOK, callbackAck)
		return
	}

	result := h.Callbacks.Process(ctx, &services.CallbackRequest{
		Body:     body,
		RemoteIP: c.ClientIP(),
	})

	entry := log.WithFields(logrus.Fields{
		"outcome":        result.Outcome,
		"transaction_id": result.TransactionID,
	})
	if result.Err != nil {
		entry = entry.WithError(result.Err)
	}
	entry.Info("Callback handled")

	c.JSON(http.StatusOK, callbackAck)
}
