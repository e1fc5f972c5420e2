package telegram

import (
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// Command представляет команду бота
type Command string

const (
	CmdStart      Command = "start"
	CmdHelp       Command = "help"
	CmdConsent    Command = "consent"
	CmdContact    Command = "contact"
	CmdUpload     Command = "upload"
	CmdMyDocs     Command = "mydocs"
	CmdStatus     Command = "status"
	CmdHistory    Command = "history"
	CmdDiagnose   Command = "diagnose"
	CmdSubmit     Command = "submit"
	CmdSupport    Command = "support"
	CmdPrivacy    Command = "privacy"
	CmdDeleteData Command = "deletedata"
	CmdBroker     Command = "broker"
	CmdActivate   Command = "activate"
	CmdMyStats    Command = "mystats"
	CmdNewRef     Command = "newref"
	CmdClients    Command = "clients"

	CmdBrokerApps Command = "brokerapps"
	CmdInvite     Command = "invite"
	CmdCodes      Command = "codes"
	CmdSetStatus  Command = "setstatus"
	CmdCommission Command = "commission"
	CmdMakeAdmin  Command = "makeadmin"
	CmdResetRole  Command = "resetrole"
)

func (c Command) String() string {
	return string(c)
}

func (c Command) IsValid() bool {
	switch c {
	case CmdStart, CmdHelp, CmdConsent, CmdContact, CmdUpload, CmdMyDocs,
		CmdStatus, CmdHistory, CmdDiagnose, CmdSubmit, CmdSupport, CmdPrivacy,
		CmdDeleteData, CmdBroker, CmdActivate, CmdMyStats, CmdNewRef, CmdClients,
		CmdBrokerApps, CmdInvite, CmdCodes, CmdSetStatus, CmdCommission,
		CmdMakeAdmin, CmdResetRole:
		return true
	}
	return false
}

func (c Command) IsAdminOnly() bool {
	switch c {
	case CmdBrokerApps, CmdInvite, CmdCodes, CmdSetStatus, CmdCommission,
		CmdMakeAdmin, CmdResetRole:
		return true
	}
	return false
}

// IsBrokerOnly - команды, требующие профиля брокера
func (c Command) IsBrokerOnly() bool {
	switch c {
	case CmdMyStats, CmdNewRef, CmdClients:
		return true
	}
	return false
}

// CallbackData представляет callback данные без параметров
type CallbackData string

const (
	CallbackConsentPD     CallbackData = "consent_pd"
	CallbackConsentApps   CallbackData = "consent_apps"
	CallbackConsentRevoke CallbackData = "consent_revoke"
	CallbackSubmitCancel  CallbackData = "submit_no"
	CallbackEraseRequest  CallbackData = "erase_ask"
	CallbackEraseConfirm  CallbackData = "erase_ok"
	CallbackEraseCancel   CallbackData = "erase_no"
)

func (c CallbackData) String() string {
	return string(c)
}

// CallbackPrefix представляет префиксы callback данных
type CallbackPrefix string

const (
	CallbackDocType       CallbackPrefix = "doctype_"
	CallbackBrokerApprove CallbackPrefix = "bapp_ok_"
	CallbackBrokerReject  CallbackPrefix = "bapp_no_"
	CallbackSubmitConfirm CallbackPrefix = "submit_ok_"
	CallbackDocDelete     CallbackPrefix = "docdel_"
)

func (c CallbackPrefix) String() string {
	return string(c)
}

func (c CallbackPrefix) WithID(id any) string {
	return string(c) + fmt.Sprintf("%v", id)
}

// Event - входящее обновление: сообщение или нажатие inline-кнопки.
// Других реализаций нет, обработка идет через type switch.
type Event interface {
	ChatID() int64
	Sender() *tgbotapi.User
	kind() string
}

type MessageEvent struct {
	Message *tgbotapi.Message
}

func (e MessageEvent) ChatID() int64          { return e.Message.Chat.ID }
func (e MessageEvent) Sender() *tgbotapi.User { return e.Message.From }
func (MessageEvent) kind() string             { return "message" }

type CallbackEvent struct {
	Query *tgbotapi.CallbackQuery
}

func (e CallbackEvent) ChatID() int64 {
	if e.Query.Message != nil && e.Query.Message.Chat != nil {
		return e.Query.Message.Chat.ID
	}
	return e.Query.From.ID
}

func (e CallbackEvent) Sender() *tgbotapi.User { return e.Query.From }
func (CallbackEvent) kind() string             { return "callback" }

// EventFromUpdate выделяет событие из обновления; ok=false для неподдерживаемых типов
func EventFromUpdate(upd tgbotapi.Update) (Event, bool) {
	switch {
	case upd.Message != nil && upd.Message.From != nil && upd.Message.Chat != nil:
		return MessageEvent{Message: upd.Message}, true
	case upd.CallbackQuery != nil && upd.CallbackQuery.From != nil:
		return CallbackEvent{Query: upd.CallbackQuery}, true
	}
	return nil, false
}

// formStep - шаг многошагового сценария пользователя
type formStep string

const (
	stepAwaitDocument formStep = "await_document"
	stepAwaitSupport  formStep = "await_support"
)

type formState struct {
	step    formStep
	docType string
}
