// Package logging builds the process logger on uber/zap.
//
// Production mode writes JSON, development mode writes colored console
// lines. Components receive a named child:
//
//	logger := logging.NewDefault()
//	sessions := logger.Component("session")
//	sessions.Info("Session mounted", zap.String("session_id", id))
package logging
