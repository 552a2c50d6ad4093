package handlers

import (
	"net/http"

	"github.com/gorilla/mux"

	"tradeguard/internal/models"
	"tradeguard/internal/service"
)

// PreferenceHandler отвечает за настройки уведомлений пользователя
//
// Endpoints:
// - GET /api/v1/alerts/preferences/{userID}: получить настройки
// - PUT /api/v1/alerts/preferences/{userID}: сохранить настройки
type PreferenceHandler struct {
	preferenceService service.PreferenceServiceInterface
}

// NewPreferenceHandler создает новый PreferenceHandler
func NewPreferenceHandler(preferenceService service.PreferenceServiceInterface) *PreferenceHandler {
	return &PreferenceHandler{
		preferenceService: preferenceService,
	}
}

// GetPreference обрабатывает GET /api/v1/alerts/preferences/{userID}
//
// Если пользователь ничего не настраивал, возвращаются настройки по умолчанию.
//
// Response codes:
// - 200 OK: AlertPreference
// - 400 Bad Request: пустой userID
func (h *PreferenceHandler) GetPreference(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["userID"]

	pref, err := h.preferenceService.GetAlertPreference(r.Context(), userID)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	respondWithJSON(w, http.StatusOK, pref)
}

// UpdatePreference обрабатывает PUT /api/v1/alerts/preferences/{userID}
//
// Тело запроса - полный объект настроек. Поле version должно совпадать
// с текущим, иначе 409.
//
// Response codes:
// - 200 OK: сохранённые настройки с новой версией
// - 400 Bad Request: ошибка валидации
// - 409 Conflict: настройки изменены параллельно
func (h *PreferenceHandler) UpdatePreference(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["userID"]

	var pref models.AlertPreference
	if !decodeJSON(w, r, &pref) {
		return
	}

	saved, err := h.preferenceService.SetAlertPreference(r.Context(), userID, &pref)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	respondWithJSON(w, http.StatusOK, saved)
}
